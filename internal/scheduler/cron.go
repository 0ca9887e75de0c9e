package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// CronParser parses five-field cron expressions and descriptors such as
// "@hourly" or "@every 10s".
type CronParser struct {
	parser cron.Parser
}

func NewCronParser() *CronParser {
	return &CronParser{
		parser: cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		),
	}
}

// Parse parses a cron expression and returns a schedule.
func (p *CronParser) Parse(expression string) (cron.Schedule, error) {
	schedule, err := p.parser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("parsing cron expression %q: %w", expression, err)
	}
	return schedule, nil
}

// NextRun returns the first activation of expression after the given time.
func (p *CronParser) NextRun(expression string, after time.Time) (time.Time, error) {
	schedule, err := p.Parse(expression)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(after), nil
}

// Every returns the descriptor for a fixed interval. Intervals below one
// second are rounded up.
func Every(d time.Duration) string {
	if d < time.Second {
		d = time.Second
	}
	return "@every " + d.String()
}

// cronLogger sends robfig/cron's own logging to zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
