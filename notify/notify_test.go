/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package notify_test

import (
	"context"
	"errors"
	"testing"

	"chainguard.dev/argus/notify"
	"github.com/stretchr/testify/require"
)

type recording struct {
	events []notify.Event
	err    error
}

func (r *recording) Notify(_ context.Context, e notify.Event) error {
	r.events = append(r.events, e)
	return r.err
}

func TestMultiFansOut(t *testing.T) {
	a, b := &recording{}, &recording{}
	m := notify.Multi{a, b}

	e := notify.Event{Kind: notify.KindPRCreated, Repo: "octo/widgets", Subject: "opened PR #12"}
	if err := m.Notify(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Errorf("fan-out = %d, %d events; want 1 each", len(a.events), len(b.events))
	}
	if a.events[0].Subject != "opened PR #12" {
		t.Errorf("event = %+v", a.events[0])
	}
}

func TestMultiFirstErrorWinsAllRun(t *testing.T) {
	errA := errors.New("transport a down")
	errB := errors.New("transport b down")
	a, b := &recording{err: errA}, &recording{err: errB}

	err := notify.Multi{a, b}.Notify(context.Background(), notify.Event{Kind: notify.KindThreat})
	if !errors.Is(err, errA) {
		t.Errorf("err = %v, want first error", err)
	}
	// The failing first notifier does not short-circuit the second.
	if len(b.events) != 1 {
		t.Error("second notifier skipped after first error")
	}
}

func TestLogNotifier(t *testing.T) {
	if err := (notify.LogNotifier{}).Notify(context.Background(), notify.Event{
		Kind:    notify.KindEvaluation,
		Repo:    "octo/widgets",
		Subject: "issue #7 approved",
	}); err != nil {
		t.Fatal(err)
	}
}

func TestNewSMTPValidates(t *testing.T) {
	tests := []struct {
		name    string
		cfg     notify.SMTPConfig
		wantErr bool
	}{
		{"valid", notify.SMTPConfig{Host: "mail.example.com", From: "argus@example.com", To: []string{"ops@example.com"}}, false},
		{"missing host", notify.SMTPConfig{From: "argus@example.com", To: []string{"ops@example.com"}}, true},
		{"missing from", notify.SMTPConfig{Host: "mail.example.com", To: []string{"ops@example.com"}}, true},
		{"missing to", notify.SMTPConfig{Host: "mail.example.com", From: "argus@example.com"}, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			n, err := notify.NewSMTP(test.cfg)
			if test.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, n)
		})
	}
}
