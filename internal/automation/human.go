package automation

import (
	"context"
	"time"
)

// Page is the subset of a browser page the interaction helpers drive
type Page interface {
	Click(ctx context.Context, selector string) error
	Focus(ctx context.Context, selector string) error
	InsertText(ctx context.Context, text string) error
}

// Per-character typing delay bounds
const (
	keyDelayMin = 40 * time.Millisecond
	keyDelayMax = 160 * time.Millisecond
)

// HumanDelay pauses a random time within [min, max]
func HumanDelay(ctx context.Context, min, max time.Duration) error {
	return Sleep(ctx, Jitter(min, max))
}

// ClickHuman waits a short random time before clicking selector
func ClickHuman(ctx context.Context, p Page, selector string, min, max time.Duration) error {
	if err := HumanDelay(ctx, min, max); err != nil {
		return err
	}
	return p.Click(ctx, selector)
}

// TypeHuman focuses selector and enters text one character at a time with jitter
func TypeHuman(ctx context.Context, p Page, selector, text string) error {
	if err := p.Focus(ctx, selector); err != nil {
		return err
	}
	for _, r := range text {
		if err := p.InsertText(ctx, string(r)); err != nil {
			return err
		}
		if err := HumanDelay(ctx, keyDelayMin, keyDelayMax); err != nil {
			return err
		}
	}
	return nil
}
