package services

import (
	"context"
	"testing"
	"time"
)

func TestCreateObjectiveValidation(t *testing.T) {
	store := newStubStore()
	g := seedGrid(t, store, "alice", engagementDomains())
	svc := NewObjectiveService(store, nil)
	ctx := context.Background()
	alice := UserActor("alice")

	base := ObjectiveInput{PatientID: "p1", GridID: g.ID, Domain: "Engagement", Indicator: "Attention", InitialScore: 1, TargetScore: 4}
	o, err := svc.Create(ctx, alice, base)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if o.GridVersion != 1 || !o.Active || o.CreatedBy != "alice" {
		t.Fatalf("unexpected objective: %+v", o)
	}

	cases := map[string]func(in *ObjectiveInput){
		"missing patient":   func(in *ObjectiveInput) { in.PatientID = "" },
		"unknown indicator": func(in *ObjectiveInput) { in.Indicator = "Nope" },
		"target too high":   func(in *ObjectiveInput) { in.TargetScore = 6 },
		"same scores":       func(in *ObjectiveInput) { in.TargetScore = in.InitialScore },
	}
	for name, mutate := range cases {
		in := base
		mutate(&in)
		_, err := svc.Create(ctx, alice, in)
		if se, ok := AsServiceError(err); !ok || se.Code != ErrorInvalid {
			t.Fatalf("%s: expected invalid error, got %v", name, err)
		}
	}

	if _, err := svc.Create(ctx, UserActor("bob"), base); !IsNotFound(err) {
		t.Fatalf("bob should not see alice's grid: %v", err)
	}
}

func TestObjectiveProgressAndEvaluate(t *testing.T) {
	store := newStubStore()
	g := seedGrid(t, store, "alice", engagementDomains())
	objectives := NewObjectiveService(store, nil)
	cotations := NewCotationService(store, nil)
	ctx := context.Background()
	alice := UserActor("alice")

	o, err := objectives.Create(ctx, alice, ObjectiveInput{PatientID: "p1", GridID: g.ID, Domain: "Engagement", Indicator: "Attention", InitialScore: 1, TargetScore: 5})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	p, err := objectives.Progress(ctx, o.ID)
	if err != nil {
		t.Fatalf("Progress returned error: %v", err)
	}
	if p.Current != nil || p.Fraction != 0 || p.Reached {
		t.Fatalf("unscored objective should have no progress: %+v", p)
	}

	day := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	save := func(sid string, v float64, offset int) {
		_, err := cotations.Save(ctx, SaveCotationInput{SessionID: sid, PatientID: "p1", GridID: g.ID, Scores: map[string]any{"Engagement_Attention": v}, SessionDate: day.AddDate(0, 0, offset)})
		if err != nil {
			t.Fatalf("Save returned error: %v", err)
		}
	}
	save("s1", 3, 0)
	p, _ = objectives.Progress(ctx, o.ID)
	if p.Current == nil || *p.Current != 3 || p.Fraction != 0.5 || p.Reached {
		t.Fatalf("unexpected progress: %+v", p)
	}

	save("s2", 5, 7)
	hidden, err := objectives.Evaluate(ctx, UserActor("bob"), "p1")
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}
	if len(hidden) != 0 {
		t.Fatalf("bob should not evaluate alice's objectives: %+v", hidden)
	}
	if stored, _ := store.GetObjective(ctx, o.ID); stored.Achieved {
		t.Fatalf("evaluation by another user marked the objective achieved")
	}

	results, err := objectives.Evaluate(ctx, alice, "p1")
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}
	if len(results) != 1 || !results[0].Reached || results[0].Fraction != 1 {
		t.Fatalf("unexpected evaluation: %+v", results)
	}
	stored, _ := store.GetObjective(ctx, o.ID)
	if !stored.Achieved {
		t.Fatalf("reached objective not persisted as achieved")
	}
}

func TestObjectiveFractionDownwardTarget(t *testing.T) {
	cases := []struct {
		initial, target, current, want float64
	}{
		{1, 5, 3, 0.5},
		{1, 5, 0, 0},
		{1, 5, 9, 1},
		{8, 2, 5, 0.5},
		{8, 2, 9, 0},
	}
	for _, c := range cases {
		if got := objectiveFraction(c.initial, c.target, c.current); got != c.want {
			t.Fatalf("objectiveFraction(%v,%v,%v) = %v, want %v", c.initial, c.target, c.current, got, c.want)
		}
	}
}

func TestObjectiveStaleAndOrphaned(t *testing.T) {
	store := newStubStore()
	g := seedGrid(t, store, "alice", engagementDomains())
	grids := NewGridService(store, nil)
	svc := NewObjectiveService(store, nil)
	ctx := context.Background()
	alice := UserActor("alice")

	o, err := svc.Create(ctx, alice, ObjectiveInput{PatientID: "p1", GridID: g.ID, Domain: "Engagement", Indicator: "Initiative", InitialScore: 0, TargetScore: 3})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	reduced := []any{map[string]any{"name": "Engagement", "indicators": []any{map[string]any{"name": "Attention"}}}}
	if _, err := grids.UpdateDomains(ctx, alice, g.ID, reduced, "drop initiative"); err != nil {
		t.Fatalf("UpdateDomains returned error: %v", err)
	}
	p, err := svc.Progress(ctx, o.ID)
	if err != nil {
		t.Fatalf("Progress returned error: %v", err)
	}
	if !p.Stale || !p.Orphaned || p.LiveVersion != 2 {
		t.Fatalf("expected stale orphaned objective, got %+v", p)
	}
}

func TestObjectiveUpdatesRequireCreator(t *testing.T) {
	store := newStubStore()
	g := seedGrid(t, store, "alice", engagementDomains())
	svc := NewObjectiveService(store, nil)
	ctx := context.Background()

	o, _ := svc.Create(ctx, UserActor("alice"), ObjectiveInput{PatientID: "p1", GridID: g.ID, Domain: "Engagement", Indicator: "Attention", InitialScore: 0, TargetScore: 2})
	if _, err := svc.MarkAchieved(ctx, UserActor("bob"), o.ID); !IsNotFound(err) {
		t.Fatalf("bob should not update alice's objective: %v", err)
	}
	done, err := svc.Deactivate(ctx, UserActor("alice"), o.ID)
	if err != nil || done.Active {
		t.Fatalf("Deactivate failed: %v %+v", err, done)
	}
	active, _ := svc.ListByPatient(ctx, "p1", true)
	if len(active) != 0 {
		t.Fatalf("deactivated objective still listed as active")
	}
}
