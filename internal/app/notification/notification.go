package notification

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/zhammer/faaspact-verifier/internal/app/history"
	"github.com/zhammer/faaspact-verifier/internal/app/verification"
)

// Render formats a report the way it is printed at the end of a run.
func Render(report verification.Report) string {
	var lines []string
	for i, p := range report.Pacts {
		status := "passed"
		if !report.PactVerified(i) {
			status = "failed"
		}
		lines = append(lines, fmt.Sprintf("%s [%s]", p, status))
		lines = append(lines, fmt.Sprintf("tags: {%s}", strings.Join(p.Tags().Sorted(), ", ")))
		for index, result := range report.VerificationResults[i] {
			if !result.Verified {
				lines = append(lines, fmt.Sprintf("Failed interaction %d with message: %q", index, result.Reason))
			}
		}
	}
	if report.ResultsPublished {
		lines = append(lines, "**Results for passing pacts were published**")
	}

	verified, unverified := report.Counts()
	outcome := "succeeded"
	if !report.Succeeded {
		outcome = "failed"
	}
	lines = append(lines, fmt.Sprintf("verification of provider %q %s: %d pacts, %d interactions verified, %d unverified",
		report.Provider, outcome, len(report.Pacts), verified, unverified))

	return strings.Join(lines, "\n") + "\n"
}

// Console prints the rendered report.
type Console struct {
	out io.Writer
}

func NewConsole(out io.Writer) *Console {
	return &Console{out: out}
}

func (c *Console) AnnounceJobResults(ctx context.Context, report verification.Report) error {
	_, err := io.WriteString(c.out, Render(report))
	return errors.Wrap(err, "unable to print job results")
}

// Logger announces the report as structured log entries.
type Logger struct {
	logger *log.Entry
}

func NewLogger(logger *log.Entry) *Logger {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Logger{logger: logger}
}

func (l *Logger) AnnounceJobResults(ctx context.Context, report verification.Report) error {
	logger := l.logger.WithFields(log.Fields{"run_id": report.RunID, "provider": report.Provider})

	for i, p := range report.Pacts {
		pactLogger := logger.WithFields(log.Fields{
			"consumer":         p.ConsumerName(),
			"consumer_version": p.ConsumerVersion(),
			"tags":             strings.Join(p.Tags().Sorted(), ","),
		})
		if report.PactVerified(i) {
			pactLogger.Infof("%s verified", p)
			continue
		}
		for index, result := range report.VerificationResults[i] {
			if !result.Verified {
				pactLogger.WithField("interaction", index).Warnf("failed interaction %d: %s", index, result.Reason)
			}
		}
	}

	verified, unverified := report.Counts()
	summary := logger.WithFields(log.Fields{
		"verified":          verified,
		"unverified":        unverified,
		"results_published": report.ResultsPublished,
		"duration":          report.Duration.String(),
	})
	if report.Succeeded {
		summary.Info("verification job succeeded")
	} else {
		summary.Error("verification job failed")
	}
	return nil
}

// Recorder stores each report in the run history.
type Recorder struct {
	store *history.Store
}

func NewRecorder(store *history.Store) *Recorder {
	return &Recorder{store: store}
}

func (r *Recorder) AnnounceJobResults(ctx context.Context, report verification.Report) error {
	verified, unverified := report.Counts()
	run := history.Run{
		ID:               report.RunID,
		Provider:         report.Provider,
		ProviderVersion:  report.ProviderVersion,
		StartedAt:        report.StartedAt,
		Duration:         report.Duration,
		Succeeded:        report.Succeeded,
		ResultsPublished: report.ResultsPublished,
		Verified:         verified,
		Unverified:       unverified,
	}

	var interactions []history.Interaction
	for i, p := range report.Pacts {
		descriptions := p.Interactions()
		for index, result := range report.VerificationResults[i] {
			interaction := history.Interaction{
				Consumer:        p.ConsumerName(),
				ConsumerVersion: p.ConsumerVersion(),
				PactVersion:     p.PactVersion(),
				Tags:            p.Tags().Sorted(),
				Position:        index,
				Verified:        result.Verified,
				Reason:          result.Reason,
			}
			if index < len(descriptions) {
				interaction.Description = descriptions[index].Description
			}
			interactions = append(interactions, interaction)
		}
	}

	return errors.Wrapf(r.store.Record(ctx, run, interactions), "unable to record run %s", report.RunID)
}

// Multi announces to every notifier, even when an earlier one fails.
type Multi []verification.Notifier

func (m Multi) AnnounceJobResults(ctx context.Context, report verification.Report) error {
	var messages []string
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.AnnounceJobResults(ctx, report); err != nil {
			messages = append(messages, err.Error())
		}
	}
	if len(messages) > 0 {
		return errors.Errorf("%d notifier(s) failed: %s", len(messages), strings.Join(messages, "; "))
	}
	return nil
}
