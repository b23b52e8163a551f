package handlers

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpilot/internal/core"
	"taskpilot/internal/pipeline"
)

type sentMessage struct{ title, body string }

type captureNotifier struct {
	sent []sentMessage
	err  error
}

func (c *captureNotifier) Send(_ context.Context, title, body string) error {
	c.sent = append(c.sent, sentMessage{title, body})
	return c.err
}

type summaryStore struct {
	property  *pipeline.Property
	contracts []*pipeline.Contract
	summary   string
}

func (s *summaryStore) GetProperty(_ context.Context, id string) (*pipeline.Property, error) {
	if s.property == nil || s.property.ID != id {
		return nil, errors.New("property not found")
	}
	return s.property, nil
}

func (s *summaryStore) HasEnrichment(context.Context, string) (bool, error) { return true, nil }
func (s *summaryStore) HasTrace(context.Context, string) (bool, error)      { return false, nil }

func (s *summaryStore) ListContracts(context.Context, string) ([]*pipeline.Contract, error) {
	return s.contracts, nil
}

func (s *summaryStore) UpdateSummary(_ context.Context, _ string, summary string) error {
	s.summary = summary
	return nil
}

func TestReminder(t *testing.T) {
	n := &captureNotifier{}
	out, err := NewReminder(n)(context.Background(), map[string]any{"message": "call the owner"})
	require.NoError(t, err)
	assert.Equal(t, true, out["delivered"])
	require.Len(t, n.sent, 1)
	assert.Equal(t, sentMessage{"Reminder", "call the owner"}, n.sent[0])

	n.err = errors.New("offline")
	_, err = NewReminder(n)(context.Background(), map[string]any{"title": "T", "body": "B"})
	assert.Error(t, err, "delivery failures surface so the task retries")

	out, err = NewReminder(nil)(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, false, out["delivered"])
}

func TestSummary(t *testing.T) {
	st := &summaryStore{
		property: &pipeline.Property{ID: "p1", Address: "9 Birch Ln", Stage: pipeline.StageWaitingForContracts},
		contracts: []*pipeline.Contract{
			{Name: "purchase", Required: true, Status: "signed"},
			{Name: "inspection", Required: true, Status: "draft"},
			{Name: "disclosure", Required: false, Status: "draft"},
		},
	}
	out, err := NewSummary(st)(context.Background(), map[string]any{"property_id": "p1"})
	require.NoError(t, err)
	assert.Equal(t, "9 Birch Ln is WAITING_FOR_CONTRACTS; enriched=true; traced=false; contracts=3 (1/2 required complete)", st.summary)
	assert.Equal(t, st.summary, out["summary"])

	_, err = NewSummary(st)(context.Background(), map[string]any{})
	assert.Error(t, err)
	_, err = NewSummary(st)(context.Background(), map[string]any{"property_id": "nope"})
	assert.Error(t, err)
}

func TestRegisterBuiltins(t *testing.T) {
	reg := core.NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, nil, &summaryStore{}))
	assert.Equal(t, []string{PipelineSummary, Reminder}, reg.Names())
}
