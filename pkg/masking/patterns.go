package masking

// MaskingPattern is one regex scrub rule applied to every log record.
type MaskingPattern struct {
	Pattern     string
	Replacement string
	Description string
}

// builtinPatterns returns the scrub rules compiled at service creation.
// Order matters: specific vendor tokens before the generic sweeps.
func builtinPatterns() map[string]MaskingPattern {
	return map[string]MaskingPattern{
		"anthropic_api_key": {
			Pattern:     `\bsk-ant-[A-Za-z0-9_\-]{10,}`,
			Replacement: `__MASKED_ANTHROPIC_KEY__`,
			Description: "Anthropic API keys",
		},
		"aws_access_key": {
			Pattern:     `\bAKIA[A-Z0-9]{16}\b`,
			Replacement: `__MASKED_AWS_KEY__`,
			Description: "AWS access key IDs",
		},
		"aws_secret_key": {
			Pattern:     `(?i)(?:aws[_-]?secret[_-]?access[_-]?key)["']?\s*[:=]\s*["']?([A-Za-z0-9/+=]{40})["']?`,
			Replacement: `"aws_secret_access_key": "__MASKED_AWS_SECRET__"`,
			Description: "AWS secret access keys",
		},
		"api_key": {
			Pattern:     `(?i)(?:api[_-]?key|apikey)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-]{16,})["']?`,
			Replacement: `"api_key": "__MASKED_API_KEY__"`,
			Description: "Generic API key assignments",
		},
		"password": {
			Pattern:     `(?i)(?:password|passwd|pwd)["']?\s*[:=]\s*["']?([^"'\s\n]{4,})["']?`,
			Replacement: `"password": "__MASKED_PASSWORD__"`,
			Description: "Password assignments",
		},
		"bearer_token": {
			Pattern:     `(?i)(?:bearer|token|jwt)["']?\s*[:=]?\s+["']?([A-Za-z0-9_\-\.]{20,})["']?`,
			Replacement: `"token": "__MASKED_TOKEN__"`,
			Description: "Bearer tokens and JWTs",
		},
		"jwt_structure": {
			Pattern:     `\beyJ[A-Za-z0-9_\-]{10,}\.[A-Za-z0-9_\-\.]+`,
			Replacement: `__MASKED_JWT__`,
			Description: "Standalone JWTs by structure",
		},
		"totp_seed": {
			Pattern:     `(?i)(?:totp[_-]?seed|otp[_-]?secret)["']?\s*[:=]\s*["']?([A-Z2-7]{16,})["']?`,
			Replacement: `"totp_seed": "__MASKED_TOTP_SEED__"`,
			Description: "TOTP seeds",
		},
		"private_key_block": {
			Pattern:     `(?s)-----BEGIN [A-Z ]+-----.*?-----END [A-Z ]+-----`,
			Replacement: `__MASKED_PRIVATE_KEY__`,
			Description: "PEM private key and certificate blocks",
		},
	}
}
