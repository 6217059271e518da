package slack

import (
	"fmt"

	goslack "github.com/slack-go/slack"

	"github.com/formscout/formscout/pkg/models"
)

const maxBlockTextLength = 2900

var statusEmoji = map[models.SessionStatus]string{
	models.SessionStatusCompleted: ":white_check_mark:",
	models.SessionStatusFailed:    ":x:",
	models.SessionStatusCancelled: ":no_entry_sign:",
}

var statusLabel = map[models.SessionStatus]string{
	models.SessionStatusCompleted: "Mapping Complete",
	models.SessionStatusFailed:    "Mapping Failed",
	models.SessionStatusCancelled: "Mapping Cancelled",
}

func sessionURL(sessionID, consoleURL string) string {
	return fmt.Sprintf("%s/sessions/%s", consoleURL, sessionID)
}

// BuildTerminalMessage creates Block Kit blocks for a terminal session
// notification.
func BuildTerminalMessage(input SessionTerminalInput, consoleURL string) []goslack.Block {
	emoji := statusEmoji[input.Status]
	if emoji == "" {
		emoji = ":question:"
	}
	label := statusLabel[input.Status]
	if label == "" {
		label = "Mapping " + string(input.Status)
	}

	headerText := fmt.Sprintf("%s *%s* — session `%s`", emoji, label, input.SessionID)
	if input.Status == models.SessionStatusFailed {
		if input.FailureCode != "" {
			headerText += fmt.Sprintf("\n*Failure:* `%s`", input.FailureCode)
		}
		if input.FailureText != "" {
			headerText += "\n" + truncateForSlack(input.FailureText)
		}
	}

	blocks := []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, headerText, false, false),
			nil, nil,
		),
	}

	buttonText := "View Mapping"
	if input.Status != models.SessionStatusCompleted {
		buttonText = "View Details"
	}
	btn := goslack.NewButtonBlockElement("", "", goslack.NewTextBlockObject(goslack.PlainTextType, buttonText, false, false))
	btn.URL = sessionURL(input.SessionID, consoleURL)
	blocks = append(blocks, goslack.NewActionBlock("", btn))

	return blocks
}

func truncateForSlack(text string) string {
	if len(text) <= maxBlockTextLength {
		return text
	}
	return text[:maxBlockTextLength] + "\n\n_... (truncated — full detail in the console)_"
}
