package model

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrEmptySchedule = errors.New("both cron and duration are empty")

// Validate checks that exactly one of cron or duration is set and parses.
func (s Schedule) Validate() error {
	switch {
	case s.Cron != "" && s.Duration != "":
		return errors.New("history.prune: cron and duration are mutually exclusive")
	case s.Cron != "":
		if _, err := ParseCron(s.Cron); err != nil {
			return fmt.Errorf("parsing history.prune.cron: %w", err)
		}
	case s.Duration != "":
		if _, err := ParseISODuration(s.Duration); err != nil {
			return fmt.Errorf("parsing history.prune.duration: %w", err)
		}
	default:
		return ErrEmptySchedule
	}
	return nil
}

// ParseCron parses a cron expression that have 5 fields, or a macro,
// and returns the interval between the next two activations.
func ParseCron(expr string) (time.Duration, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return 0, fmt.Errorf("empty cron expression")
	}

	var schedule cron.Schedule
	var err error
	if strings.HasPrefix(e, "@") {
		schedule, err = cron.ParseStandard(e)
	} else {
		parser5 := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		schedule, err = parser5.Parse(e)
	}
	if err != nil {
		return 0, err
	}
	next1 := schedule.Next(time.Now())
	next2 := schedule.Next(next1)
	return next2.Sub(next1), nil
}

var retentionRx = regexp.MustCompile(`^(\d+d)?(\d+h)?(\d+m)?(\d+s)?$`)

// ParseRetention parses strings like 7d or 1d12h into time.Duration.
// Segments must be ordered day, hour, minute, second.
func ParseRetention(s string) (time.Duration, error) {
	if s == "" {
		return 0, errors.New("empty duration")
	}
	m := retentionRx.FindStringSubmatch(s)
	if m == nil {
		return 0, errors.New("invalid duration format")
	}
	var total time.Duration
	for _, seg := range m[1:] {
		if seg == "" {
			continue
		}
		val, err := strconv.ParseInt(seg[:len(seg)-1], 10, 64)
		if err != nil {
			return 0, errors.New("invalid number in " + seg)
		}
		var unit time.Duration
		switch seg[len(seg)-1] {
		case 'd':
			unit = 24 * time.Hour
		case 'h':
			unit = time.Hour
		case 'm':
			unit = time.Minute
		case 's':
			unit = time.Second
		}
		if val > int64(math.MaxInt64/unit) || total > time.Duration(math.MaxInt64)-time.Duration(val)*unit {
			return 0, errors.New("duration overflow")
		}
		total += time.Duration(val) * unit
	}
	return total, nil
}

var isoDurationRx = regexp.MustCompile(`^P((?P<day>\d+)D)?(T?(?:(?P<hour>[+-]?\d+)H)?(?:(?P<minute>[+-]?\d+)M)?(?:(?P<second>[+-]?\d+(?:[.,]\d+)?)S)?)?$`)

var ErrISOFormat error = errors.New("invalid ISO8601 duration")

func ParseISODuration(dur string) (time.Duration, error) {
	if dur == "" || dur == "P" || dur == "PT" || !isoDurationRx.MatchString(dur) {
		return 0, ErrISOFormat
	}
	match := isoDurationRx.FindStringSubmatch(dur)

	// without T components P2M is ambiguous according ISO
	hasT := strings.Contains(dur, "T")
	var hasHMS = false

	var ret time.Duration

	for i, name := range isoDurationRx.SubexpNames() {
		part := match[i]
		if i == 0 || name == "" || part == "" {
			continue
		}

		num, frac, err := parse(part)
		if err != nil {
			return 0, err
		}
		var d time.Duration
		switch name {
		case "day":
			d = 24 * time.Hour
		case "hour":
			hasHMS = true
			// But T without hour not
			hasT = true
			d = 1 * time.Hour
		case "minute":
			hasHMS = true
			if !hasT {
				return 0, ErrISOFormat
			}
			d = 1 * time.Minute
		case "second":
			hasHMS = true
			d = 1 * time.Second
		default:
			return 0, fmt.Errorf("unknown component %s", name)
		}
		ret += time.Duration(num) * d
		if num >= 0 {
			ret += time.Duration(frac * float64(d))
		} else {
			ret -= time.Duration(frac * float64(d))
		}
	}

	// eg P2DT - this is overly compliant, but well
	if hasT && !hasHMS {
		return 0, ErrISOFormat
	}

	return ret, nil
}

func parse(s string) (num int, frac float64, err error) {
	s = strings.Replace(s, ",", ".", 1)
	a, b, ok := strings.Cut(s, ".")
	if ok {
		if len(b) > 9 {
			return 0, 0.0, ErrISOFormat
		}
		var f int
		f, err = strconv.Atoi(b)
		if err != nil {
			err = fmt.Errorf("parsing fraction: %w", err)
			return
		}
		if f != 0 {
			frac = float64(f) / math.Pow10(len(b))
		}
	}
	num, err = strconv.Atoi(a)
	if err != nil {
		err = fmt.Errorf("parsing number: %w", err)
	}
	return
}
