package labelasof

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/veritas-labs/datasmith-go/internal/domain"
	"github.com/veritas-labs/datasmith-go/internal/objectstore"
)

// Resolution statuses reported by the timeline per subject and label type.
const (
	StatusResolved   = "RESOLVED"
	StatusUnresolved = "UNRESOLVED"
	StatusConflicted = "CONFLICTED"
)

// Assertion is one label assertion on a subject's timeline.
type Assertion struct {
	AssertionID  string    `json:"label_assertion_id"`
	Value        string    `json:"value"`
	ObservedTime time.Time `json:"observed_time"`
}

// ResolutionRow is the timeline's answer for one subject and label type.
type ResolutionRow struct {
	Subject     domain.LabelSubject `json:"subject"`
	LabelType   string              `json:"label_type"`
	Status      string              `json:"status"`
	AssertionID string              `json:"label_assertion_id,omitempty"`
	Value       string              `json:"value,omitempty"`
}

// ResolveAsOfRequest asks the timeline what was knowable at AsOfUTC.
type ResolveAsOfRequest struct {
	Subjects       []domain.LabelSubject
	LabelTypes     []string
	AsOfUTC        time.Time
	ResolutionRule string
}

// Timeline is the label timeline collaborator. The resolver only reads it.
type Timeline interface {
	// Assertions returns the subject's assertions for a label type ordered
	// by observed time.
	Assertions(ctx context.Context, subject domain.LabelSubject, labelType string) ([]Assertion, error)

	// ResolveAsOf resolves each subject and label type pair as of the
	// requested instant.
	ResolveAsOf(ctx context.Context, req ResolveAsOfRequest) ([]ResolutionRow, error)
}

// StoreTimeline reads label timelines from the object store. One document per
// subject and label type, holding that subject's assertion history.
type StoreTimeline struct {
	store objectstore.Store
}

func NewStoreTimeline(store objectstore.Store) *StoreTimeline {
	if store == nil {
		return nil
	}
	return &StoreTimeline{store: store}
}

// TimelineKey is the object store key for one subject's label history.
func TimelineKey(subject domain.LabelSubject, labelType string) string {
	return "labels/" + subject.PlatformRunID + "/" + subject.EventID + "/" + labelType + ".json"
}

func (t *StoreTimeline) Assertions(ctx context.Context, subject domain.LabelSubject, labelType string) ([]Assertion, error) {
	if t == nil || t.store == nil {
		return nil, errors.New("timeline store not initialized")
	}
	blob, err := t.store.Get(ctx, TimelineKey(subject, labelType))
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load timeline for %s/%s: %w", subject.EventID, labelType, err)
	}
	var assertions []Assertion
	if err := json.Unmarshal(blob, &assertions); err != nil {
		return nil, fmt.Errorf("decode timeline for %s/%s: %w", subject.EventID, labelType, err)
	}
	sort.SliceStable(assertions, func(a, b int) bool {
		if !assertions[a].ObservedTime.Equal(assertions[b].ObservedTime) {
			return assertions[a].ObservedTime.Before(assertions[b].ObservedTime)
		}
		return assertions[a].AssertionID < assertions[b].AssertionID
	})
	return assertions, nil
}

// ResolveAsOf picks, per subject and label type, the latest assertion whose
// observed time does not exceed the as-of instant. Two assertions tied on the
// winning observed time with different values are a conflict.
func (t *StoreTimeline) ResolveAsOf(ctx context.Context, req ResolveAsOfRequest) ([]ResolutionRow, error) {
	if t == nil || t.store == nil {
		return nil, errors.New("timeline store not initialized")
	}
	rows := make([]ResolutionRow, 0, len(req.Subjects)*len(req.LabelTypes))
	for _, subject := range req.Subjects {
		for _, labelType := range req.LabelTypes {
			assertions, err := t.Assertions(ctx, subject, labelType)
			if err != nil {
				return nil, err
			}
			rows = append(rows, resolveRow(subject, labelType, req.AsOfUTC, assertions))
		}
	}
	return rows, nil
}

func resolveRow(subject domain.LabelSubject, labelType string, asOf time.Time, assertions []Assertion) ResolutionRow {
	row := ResolutionRow{Subject: subject, LabelType: labelType, Status: StatusUnresolved}
	var winner *Assertion
	conflict := false
	for idx := range assertions {
		a := assertions[idx]
		if a.ObservedTime.After(asOf) {
			continue
		}
		switch {
		case winner == nil || a.ObservedTime.After(winner.ObservedTime):
			winner = &assertions[idx]
			conflict = false
		case a.ObservedTime.Equal(winner.ObservedTime) && a.Value != winner.Value:
			conflict = true
		}
	}
	if winner == nil {
		return row
	}
	if conflict {
		row.Status = StatusConflicted
		return row
	}
	row.Status = StatusResolved
	row.AssertionID = winner.AssertionID
	row.Value = winner.Value
	return row
}
