package ops

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/joshsymonds/mailsweep/internal/progress"
	"github.com/joshsymonds/mailsweep/internal/scan"
)

// Unsubscribe methods.
const (
	MethodOneClick = "one-click"
	MethodLink     = "link"
	MethodMailto   = "mailto"
)

// Unsubscriber validates and requests List-Unsubscribe targets.
type Unsubscriber interface {
	Validate(ctx context.Context, target string) (*url.URL, error)
	OneClick(ctx context.Context, target string) error
}

// UnsubscribeRequest names one sender from the latest scan.
type UnsubscribeRequest struct {
	Sender string `json:"sender"`
}

// UnsubscribeResult reports what was done for a sender. Done is false when
// the sender only offers a target the user must act on.
type UnsubscribeResult struct {
	Sender  string `json:"sender"`
	Method  string `json:"method"`
	Target  string `json:"target"`
	Done    bool   `json:"done"`
	Message string `json:"message"`
}

// Unsubscribe acts on the unsubscribe target the latest scan recorded for
// sender. One-click targets are posted to; plain links and mailto targets
// are validated and handed back.
func (e *Engine) Unsubscribe(ctx context.Context, req UnsubscribeRequest) (UnsubscribeResult, error) {
	sender := strings.ToLower(strings.TrimSpace(req.Sender))
	if sender == "" {
		return UnsubscribeResult{}, invalidf("no sender specified")
	}
	if e.Unsubscriber == nil {
		return UnsubscribeResult{}, fmt.Errorf("unsubscribe %s: no unsubscriber configured", sender)
	}
	stat, ok := e.scannedSender(sender)
	if !ok {
		return UnsubscribeResult{}, invalidf("%s is not in the latest scan results", sender)
	}
	u := stat.Unsubscribe
	res := UnsubscribeResult{Sender: stat.Email}
	logger := e.logger().With(slog.String("op", "unsubscribe"), slog.String("sender", stat.Email))

	switch {
	case u.OneClick:
		res.Method, res.Target = MethodOneClick, u.URL
		if err := e.Unsubscriber.OneClick(ctx, u.URL); err != nil {
			logger.WarnContext(ctx, "one-click unsubscribe failed", slog.Any("error", err))
			return res, fmt.Errorf("unsubscribe %s: %w", stat.Email, err)
		}
		res.Done = true
		res.Message = "Unsubscribed from " + stat.Email
	case u.URL != "":
		res.Method, res.Target = MethodLink, u.URL
		if _, err := e.Unsubscriber.Validate(ctx, u.URL); err != nil {
			return res, fmt.Errorf("unsubscribe %s: %w", stat.Email, err)
		}
		res.Message = "Open the link to finish unsubscribing"
	case u.Mailto != "":
		res.Method, res.Target = MethodMailto, u.Mailto
		res.Message = "Send an email to " + strings.TrimPrefix(u.Mailto, "mailto:") + " to unsubscribe"
	default:
		return res, invalidf("%s offers no unsubscribe target", stat.Email)
	}
	logger.InfoContext(ctx, "unsubscribe handled", slog.String("method", res.Method), slog.Bool("done", res.Done))
	return res, nil
}

// scannedSender finds sender in the subscription scan, then the full sender
// scan.
func (e *Engine) scannedSender(sender string) (scan.SenderStat, bool) {
	for _, kind := range []progress.Kind{progress.KindScan, progress.KindDeleteScan} {
		for _, s := range e.ScanResults(kind) {
			if s.Email == sender {
				return s, true
			}
		}
	}
	return scan.SenderStat{}, false
}
