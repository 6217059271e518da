package faststore

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Per-tenant daily spend lives in a hash spend:{tenant} with fields
// {date, spent, reserved}. All mutations run as Lua so check-and-reserve is
// atomic per tenant; a date rollover resets the counters in the same script.

const spendKeyPrefix = "spend:"

func spendKey(tenantID string) string {
	return spendKeyPrefix + tenantID
}

// reserveScript: roll the date over if stale, then admit the call only if
// spent + reserved + forecast stays under the budget. On admit, the forecast
// is added to reserved so concurrent calls cannot collectively overshoot.
// Returns {allowed, spent, reserved}.
var reserveScript = redis.NewScript(`
local date = redis.call('HGET', KEYS[1], 'date')
if date ~= ARGV[1] then
  redis.call('HSET', KEYS[1], 'date', ARGV[1], 'spent', '0', 'reserved', '0')
end
local spent = tonumber(redis.call('HGET', KEYS[1], 'spent') or '0')
local reserved = tonumber(redis.call('HGET', KEYS[1], 'reserved') or '0')
local forecast = tonumber(ARGV[2])
local budget = tonumber(ARGV[3])
if spent + reserved + forecast >= budget then
  return {0, tostring(spent), tostring(reserved)}
end
redis.call('HSET', KEYS[1], 'reserved', tostring(reserved + forecast))
return {1, tostring(spent), tostring(reserved + forecast)}
`)

// settleScript: release a reservation and add the observed cost (zero when
// the call failed). Counters never go negative.
var settleScript = redis.NewScript(`
local spent = tonumber(redis.call('HGET', KEYS[1], 'spent') or '0')
local reserved = tonumber(redis.call('HGET', KEYS[1], 'reserved') or '0')
reserved = reserved - tonumber(ARGV[1])
if reserved < 0 then reserved = 0 end
spent = spent + tonumber(ARGV[2])
redis.call('HSET', KEYS[1], 'spent', tostring(spent), 'reserved', tostring(reserved))
return tostring(spent)
`)

// ReserveSpend atomically admits or rejects a forecast charge against the
// tenant's daily budget. today is the tenant-local date string (YYYY-MM-DD);
// a stored date mismatch resets the counters first.
func (c *Client) ReserveSpend(ctx context.Context, tenantID, today string, forecast, budget float64) (allowed bool, spent float64, err error) {
	res, err := reserveScript.Run(ctx, c.rdb, []string{spendKey(tenantID)},
		today, formatAmount(forecast), formatAmount(budget)).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("failed to reserve spend for tenant %s: %w", tenantID, err)
	}
	if len(res) < 2 {
		return false, 0, fmt.Errorf("unexpected reserve result for tenant %s: %v", tenantID, res)
	}
	ok, _ := res[0].(int64)
	spent, err = parseAmount(res[1])
	if err != nil {
		return false, 0, fmt.Errorf("corrupt spend counter for tenant %s: %w", tenantID, err)
	}
	return ok == 1, spent, nil
}

// SettleSpend releases a reservation and records the observed cost. Pass
// cost = 0 to roll back a reservation whose call failed.
func (c *Client) SettleSpend(ctx context.Context, tenantID string, forecast, cost float64) (spent float64, err error) {
	res, err := settleScript.Run(ctx, c.rdb, []string{spendKey(tenantID)},
		formatAmount(forecast), formatAmount(cost)).Text()
	if err != nil {
		return 0, fmt.Errorf("failed to settle spend for tenant %s: %w", tenantID, err)
	}
	spent, err = strconv.ParseFloat(res, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt spend counter for tenant %s: %w", tenantID, err)
	}
	return spent, nil
}

// SpendSnapshot is one tenant's fast-store counter, read by the flusher.
type SpendSnapshot struct {
	TenantID string
	Date     string
	Spent    float64
}

// ScanSpendCounters walks all per-tenant counters. Used by the periodic
// flusher to persist Redis counters into budget_ledgers.
func (c *Client) ScanSpendCounters(ctx context.Context) ([]SpendSnapshot, error) {
	var out []SpendSnapshot
	iter := c.rdb.Scan(ctx, 0, spendKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		vals, err := c.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read spend counter %s: %w", key, err)
		}
		spent, err := strconv.ParseFloat(defaultStr(vals["spent"], "0"), 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt spend counter %s: %w", key, err)
		}
		out = append(out, SpendSnapshot{
			TenantID: key[len(spendKeyPrefix):],
			Date:     vals["date"],
			Spent:    spent,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan spend counters: %w", err)
	}
	return out, nil
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseAmount(v interface{}) (float64, error) {
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("expected string amount, got %T", v)
	}
	return strconv.ParseFloat(s, 64)
}

func defaultStr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
