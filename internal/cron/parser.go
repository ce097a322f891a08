// Package cron wraps robfig/cron parsing behind the small surface the
// scheduler needs: compute the next fire time of a 5-field expression in
// a given IANA timezone.
package cron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

type Parser struct {
	parser cron.Parser
}

func NewParser() *Parser {
	return &Parser{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Parse compiles a cron expression for the given timezone. An empty
// timezone means UTC.
func (p *Parser) Parse(expression string, timezone string) (Schedule, error) {
	sched, err := p.parser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("parse cron: %w", err)
	}

	if timezone == "" {
		timezone = "UTC"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}

	return &schedule{sched: sched, loc: loc}, nil
}

// Next returns the next fire time strictly after the given instant, in UTC.
func (p *Parser) Next(expression, timezone string, after time.Time) (time.Time, error) {
	sched, err := p.Parse(expression, timezone)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after).UTC(), nil
}

// Validate reports whether the expression and timezone are parseable.
func (p *Parser) Validate(expression, timezone string) error {
	_, err := p.Parse(expression, timezone)
	return err
}

type Schedule interface {
	Next(after time.Time) time.Time
}

type schedule struct {
	sched cron.Schedule
	loc   *time.Location
}

func (s *schedule) Next(after time.Time) time.Time {
	return s.sched.Next(after.In(s.loc))
}
