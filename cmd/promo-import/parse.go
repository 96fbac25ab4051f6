package main

import (
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/bistro/internal/domain/promo"
)

// parseLine parses "code,type,value,min_cents,max_uses". An empty max_uses
// means the code has no usage cap. skip is true for blank and # lines.
func parseLine(line string) (c promo.Code, skip bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return promo.Code{}, true, nil
	}

	fields := strings.Split(line, ",")
	if len(fields) != 5 {
		return promo.Code{}, false, errors.Errorf("expected 5 fields, got %d", len(fields))
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	c.Code = promo.Normalize(fields[0])
	if c.Code == "" {
		return promo.Code{}, false, errors.New("empty code")
	}

	switch t := promo.DiscountType(strings.ToLower(fields[1])); t {
	case promo.DiscountPercentage, promo.DiscountFixed:
		c.DiscountType = t
	default:
		return promo.Code{}, false, errors.Errorf("unknown discount type %q", fields[1])
	}

	if c.Value, err = decimal.NewFromString(fields[2]); err != nil {
		return promo.Code{}, false, errors.Wrap(err, "value")
	}
	if c.Value.IsNegative() {
		return promo.Code{}, false, errors.New("negative value")
	}
	if c.DiscountType == promo.DiscountPercentage && c.Value.GreaterThan(decimal.NewFromInt(100)) {
		return promo.Code{}, false, errors.New("percentage above 100")
	}

	if fields[3] != "" {
		if c.MinOrderValueCents, err = strconv.ParseInt(fields[3], 10, 64); err != nil || c.MinOrderValueCents < 0 {
			return promo.Code{}, false, errors.Errorf("invalid min_cents %q", fields[3])
		}
	}
	if fields[4] != "" {
		n, err := strconv.Atoi(fields[4])
		if err != nil || n < 0 {
			return promo.Code{}, false, errors.Errorf("invalid max_uses %q", fields[4])
		}
		c.MaxUses = &n
	}

	c.Active = true
	return c, false, nil
}
