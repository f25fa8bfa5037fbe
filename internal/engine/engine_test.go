package engine_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"carerounds/internal/config"
	"carerounds/internal/db"
	"carerounds/internal/domain"
	"carerounds/internal/engine"
	"carerounds/internal/migrate"
	"carerounds/internal/repo"
	"carerounds/internal/source"
)

type fakeSource struct {
	records []source.Record
	err     error
	calls   int

	// optional gates for concurrency tests
	entered chan struct{}
	release chan struct{}
}

func (f *fakeSource) FetchSince(ctx context.Context, cursor string, limit int) ([]source.Record, error) {
	f.calls++
	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return nil, f.err
	}
	var out []source.Record
	for _, r := range f.records {
		if r.ModifiedAt > cursor {
			out = append(out, r)
		}
	}
	return out, nil
}

type testEnv struct {
	Engine *engine.Engine
	Source *fakeSource
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("fac-1")
	src := &fakeSource{}
	eng := engine.New(conn, cfg, src)
	eng.Now = func() time.Time { return time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Source: src, Ctx: context.Background()}
}

func testPolicy(code string, version int, subType string, phases []domain.Phase) domain.Policy {
	return domain.Policy{
		ID:                    fmt.Sprintf("%s-v%d", code, version),
		Code:                  code,
		Version:               version,
		Name:                  "Fall response",
		IncidentType:          "Fall",
		Discriminator:         subType,
		Phases:                phases,
		Priority:              "high",
		AssignedRole:          "nurse",
		DocumentationRequired: true,
		Active:                true,
		CreatedAt:             "2026-01-01T00:00:00Z",
	}
}

func importPolicy(t *testing.T, env testEnv, p domain.Policy) {
	t.Helper()
	if _, err := env.Engine.ImportPolicies(env.Ctx, []domain.Policy{p}, "tester"); err != nil {
		t.Fatalf("import policy: %v", err)
	}
}

func fallRecord(externalID, subType, occurredAt, modifiedAt string) source.Record {
	return source.Record{
		ExternalID: externalID,
		ResidentID: "res-1",
		Type:       "Fall",
		SubType:    subType,
		Severity:   "moderate",
		OccurredAt: occurredAt,
		ModifiedAt: modifiedAt,
	}
}

func singlePhase() []domain.Phase {
	return []domain.Phase{{
		Interval: 30, IntervalUnit: "minutes",
		Duration: 2, DurationUnit: "hours",
	}}
}

func TestGenerateTasksIdempotent(t *testing.T) {
	env := newTestEnv(t)
	importPolicy(t, env, testPolicy("FALL-T1", 1, "unwitnessed", singlePhase()))
	env.Source.records = []source.Record{
		fallRecord("ext-1", "unwitnessed", "2026-01-02T10:00:00Z", "2026-01-02T10:05:00Z"),
	}
	res, err := env.Engine.RunCycle(env.Ctx, "tester")
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	// 30min interval over 2h anchored at the incident time: 4 visits
	if res.Sync.Inserted != 1 || res.Sync.TasksCreated != 4 {
		t.Fatalf("unexpected summary: %+v", res.Sync)
	}
	in, err := env.Engine.Repo.GetIncidentByExternalID(env.Ctx, "ext-1")
	if err != nil {
		t.Fatalf("get incident: %v", err)
	}
	again, err := env.Engine.GenerateTasksForIncident(env.Ctx, in)
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no new tasks, got %d", len(again))
	}
	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{IncidentID: in.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 4 {
		t.Fatalf("expected 4 tasks total, got %d", len(tasks))
	}
	// visits spaced 30 minutes apart from the incident time
	if tasks[0].DueAt != "2026-01-02T10:00:00Z" || tasks[1].DueAt != "2026-01-02T10:30:00Z" {
		t.Fatalf("unexpected due times: %s %s", tasks[0].DueAt, tasks[1].DueAt)
	}
}

func TestResyncConverges(t *testing.T) {
	env := newTestEnv(t)
	importPolicy(t, env, testPolicy("FALL-T1", 1, "unwitnessed", singlePhase()))
	env.Source.records = []source.Record{
		fallRecord("ext-1", "unwitnessed", "2026-01-02T10:00:00Z", "2026-01-02T10:05:00Z"),
		fallRecord("ext-2", "unwitnessed", "2026-01-02T10:10:00Z", "2026-01-02T10:15:00Z"),
	}
	first, err := env.Engine.RunCycle(env.Ctx, "tester")
	if err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if first.Sync.Inserted != 2 || first.Sync.Cursor != "2026-01-02T10:15:00Z" {
		t.Fatalf("unexpected first summary: %+v", first.Sync)
	}
	second, err := env.Engine.RunCycle(env.Ctx, "tester")
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if second.Sync.Inserted != 0 || second.Sync.Updated != 0 || second.Sync.TasksCreated != 0 {
		t.Fatalf("re-sync changed state: %+v", second.Sync)
	}
	if second.Sync.Cursor != first.Sync.Cursor {
		t.Fatalf("cursor moved on empty window: %s -> %s", first.Sync.Cursor, second.Sync.Cursor)
	}
	incidents, err := env.Engine.Repo.ListIncidents(env.Ctx, repo.IncidentFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(incidents) != 2 {
		t.Fatalf("expected 2 incidents, got %d", len(incidents))
	}
}

func TestMalformedRecordSkipped(t *testing.T) {
	env := newTestEnv(t)
	importPolicy(t, env, testPolicy("FALL-T1", 1, "unwitnessed", singlePhase()))
	bad := fallRecord("ext-bad", "unwitnessed", "2026-01-02T10:00:00Z", "2026-01-02T10:30:00Z")
	bad.ResidentID = ""
	env.Source.records = []source.Record{
		fallRecord("ext-1", "unwitnessed", "2026-01-02T10:00:00Z", "2026-01-02T10:05:00Z"),
		bad,
	}
	res, err := env.Engine.RunCycle(env.Ctx, "tester")
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if res.Sync.Inserted != 1 || res.Sync.Skipped != 1 {
		t.Fatalf("unexpected summary: %+v", res.Sync)
	}
	// cursor advances past the skipped record so it cannot wedge the feed
	if res.Sync.Cursor != "2026-01-02T10:30:00Z" {
		t.Fatalf("cursor not advanced past skipped record: %s", res.Sync.Cursor)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "sync.record.skipped", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 1 || evts[0].EntityID != "ext-bad" {
		t.Fatalf("expected one skip event for ext-bad, got %+v", evts)
	}
}

func TestSourceFailureLeavesCursor(t *testing.T) {
	env := newTestEnv(t)
	importPolicy(t, env, testPolicy("FALL-T1", 1, "unwitnessed", singlePhase()))
	env.Source.records = []source.Record{
		fallRecord("ext-1", "unwitnessed", "2026-01-02T10:00:00Z", "2026-01-02T10:05:00Z"),
	}
	if _, err := env.Engine.RunCycle(env.Ctx, "tester"); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	env.Source.err = errors.New("connection refused")
	if _, err := env.Engine.RunCycle(env.Ctx, "tester"); err == nil {
		t.Fatalf("expected cycle error")
	}
	st, err := env.Engine.Repo.GetSyncState(env.Ctx, env.Engine.Config.Source.Name)
	if err != nil {
		t.Fatal(err)
	}
	if st.Cursor != "2026-01-02T10:05:00Z" {
		t.Fatalf("cursor changed on failed cycle: %s", st.Cursor)
	}
	env.Source.err = nil
	env.Source.records = append(env.Source.records,
		fallRecord("ext-2", "unwitnessed", "2026-01-02T11:00:00Z", "2026-01-02T11:05:00Z"))
	res, err := env.Engine.RunCycle(env.Ctx, "tester")
	if err != nil {
		t.Fatalf("recovery cycle: %v", err)
	}
	if res.Sync.Inserted != 1 {
		t.Fatalf("expected the new record after recovery: %+v", res.Sync)
	}
}

func TestMissingSeverityNormalized(t *testing.T) {
	env := newTestEnv(t)
	rec := fallRecord("ext-1", "unwitnessed", "2026-01-02T10:00:00Z", "2026-01-02T10:05:00Z")
	rec.Severity = ""
	rec.Status = "triaged" // not a recognized status
	env.Source.records = []source.Record{rec}
	if _, err := env.Engine.RunCycle(env.Ctx, "tester"); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	in, err := env.Engine.Repo.GetIncidentByExternalID(env.Ctx, "ext-1")
	if err != nil {
		t.Fatal(err)
	}
	if in.Severity != domain.SeverityUnknown {
		t.Fatalf("expected severity %q, got %q", domain.SeverityUnknown, in.Severity)
	}
	if in.Status != domain.IncidentUnknown {
		t.Fatalf("expected status %q, got %q", domain.IncidentUnknown, in.Status)
	}
}

func TestLifecycleOverdueAndAggregation(t *testing.T) {
	env := newTestEnv(t)
	importPolicy(t, env, testPolicy("FALL-T1", 1, "unwitnessed", singlePhase()))
	// occurred two hours before Now, so every visit in the 2h window is due
	env.Source.records = []source.Record{
		fallRecord("ext-1", "unwitnessed", "2026-01-02T10:00:00Z", "2026-01-02T10:05:00Z"),
	}
	res, err := env.Engine.RunCycle(env.Ctx, "tester")
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if res.Lifecycle.TasksMarkedOverdue != 4 {
		t.Fatalf("expected 4 overdue tasks, got %d", res.Lifecycle.TasksMarkedOverdue)
	}
	in, err := env.Engine.Repo.GetIncidentByExternalID(env.Ctx, "ext-1")
	if err != nil {
		t.Fatal(err)
	}
	if in.Status != domain.IncidentOverdue {
		t.Fatalf("expected incident Overdue, got %s", in.Status)
	}
	// completing every overdue task closes the incident
	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{IncidentID: in.ID})
	if err != nil {
		t.Fatal(err)
	}
	for _, task := range tasks {
		done, err := env.Engine.CompleteTask(env.Ctx, task.ID, "nurse-1", "")
		if err != nil {
			t.Fatalf("complete %s: %v", task.ID, err)
		}
		if done.CompletedBy == nil || *done.CompletedBy != "nurse-1" {
			t.Fatalf("completed_by not recorded")
		}
	}
	in, err = env.Engine.Repo.GetIncident(env.Ctx, in.ID)
	if err != nil {
		t.Fatal(err)
	}
	if in.Status != domain.IncidentClosed {
		t.Fatalf("expected incident Closed, got %s", in.Status)
	}
	// recompute never resurrects terminal tasks
	sum, err := env.Engine.RecomputeLifecycle(env.Ctx, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if sum.TasksMarkedOverdue != 0 || sum.IncidentsChanged != 0 {
		t.Fatalf("recompute changed terminal state: %+v", sum)
	}
}

func TestTaskTransitions(t *testing.T) {
	env := newTestEnv(t)
	importPolicy(t, env, testPolicy("FALL-T1", 1, "unwitnessed", singlePhase()))
	env.Source.records = []source.Record{
		fallRecord("ext-1", "unwitnessed", "2026-01-02T11:30:00Z", "2026-01-02T11:35:00Z"),
	}
	if _, err := env.Engine.RunCycle(env.Ctx, "tester"); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	in, _ := env.Engine.Repo.GetIncidentByExternalID(env.Ctx, "ext-1")
	tasks, _ := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{IncidentID: in.ID, Status: domain.TaskPending})
	if len(tasks) == 0 {
		t.Fatalf("expected pending tasks")
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, tasks[0].ID, "", ""); err == nil {
		t.Fatalf("expected actor required error")
	}
	done, err := env.Engine.CompleteTask(env.Ctx, tasks[0].ID, "nurse-1", "rounds done")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, done.ID, "nurse-1", ""); err == nil {
		t.Fatalf("expected completed to be terminal")
	}
	if _, err := env.Engine.CancelTask(env.Ctx, done.ID, "admin"); err == nil {
		t.Fatalf("expected cancel of completed task to fail")
	}
	cancelled, err := env.Engine.CancelTask(env.Ctx, tasks[1].ID, "admin")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.TaskCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
}

func TestPolicyImmutableOnceReferenced(t *testing.T) {
	env := newTestEnv(t)
	p := testPolicy("FALL-T1", 1, "unwitnessed", singlePhase())
	importPolicy(t, env, p)

	// unreferenced: replacing in place is allowed
	changed := p
	changed.Name = "Fall response (revised)"
	sum, err := env.Engine.ImportPolicies(env.Ctx, []domain.Policy{changed}, "tester")
	if err != nil {
		t.Fatalf("replace unreferenced: %v", err)
	}
	if sum.Replaced != 1 {
		t.Fatalf("expected replace, got %+v", sum)
	}

	env.Source.records = []source.Record{
		fallRecord("ext-1", "unwitnessed", "2026-01-02T10:00:00Z", "2026-01-02T10:05:00Z"),
	}
	if _, err := env.Engine.RunCycle(env.Ctx, "tester"); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	// referenced: content change rejected, identical import is a no-op
	changed.Phases = []domain.Phase{{Interval: 15, IntervalUnit: "minutes", Duration: 1, DurationUnit: "hours"}}
	if _, err := env.Engine.ImportPolicies(env.Ctx, []domain.Policy{changed}, "tester"); err == nil {
		t.Fatalf("expected immutability error")
	}
	same := changed
	same.Phases = singlePhase()
	same.Name = "Fall response (revised)"
	sum, err = env.Engine.ImportPolicies(env.Ctx, []domain.Policy{same}, "tester")
	if err != nil {
		t.Fatalf("identical re-import: %v", err)
	}
	if sum.Unchanged != 1 {
		t.Fatalf("expected unchanged, got %+v", sum)
	}

	// a version bump is the supported way to change it
	v2 := same
	v2.ID = "FALL-T1-v2"
	v2.Version = 2
	v2.Phases = []domain.Phase{{Interval: 15, IntervalUnit: "minutes", Duration: 1, DurationUnit: "hours"}}
	sum, err = env.Engine.ImportPolicies(env.Ctx, []domain.Policy{v2}, "tester")
	if err != nil {
		t.Fatalf("import v2: %v", err)
	}
	if sum.Imported != 1 {
		t.Fatalf("expected import, got %+v", sum)
	}
}

func TestPolicyMatchSpecificityAndVersion(t *testing.T) {
	env := newTestEnv(t)
	importPolicy(t, env, testPolicy("FALL-GEN", 1, "", singlePhase()))
	importPolicy(t, env, testPolicy("FALL-UNW", 1, "unwitnessed", singlePhase()))
	importPolicy(t, env, testPolicy("FALL-UNW", 2, "unwitnessed", []domain.Phase{{
		Interval: 60, IntervalUnit: "minutes", Duration: 2, DurationUnit: "hours", FirstVisitImmediate: true,
	}}))
	env.Source.records = []source.Record{
		fallRecord("ext-1", "unwitnessed", "2026-01-02T11:00:00Z", "2026-01-02T11:05:00Z"),
		fallRecord("ext-2", "witnessed", "2026-01-02T11:00:00Z", "2026-01-02T11:06:00Z"),
	}
	if _, err := env.Engine.RunCycle(env.Ctx, "tester"); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	in1, _ := env.Engine.Repo.GetIncidentByExternalID(env.Ctx, "ext-1")
	tasks1, _ := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{IncidentID: in1.ID})
	if len(tasks1) == 0 || tasks1[0].PolicyCode != "FALL-UNW" || tasks1[0].PolicyVersion != 2 {
		t.Fatalf("expected highest version of most specific policy, got %+v", tasks1)
	}
	in2, _ := env.Engine.Repo.GetIncidentByExternalID(env.Ctx, "ext-2")
	tasks2, _ := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{IncidentID: in2.ID})
	if len(tasks2) == 0 || tasks2[0].PolicyCode != "FALL-GEN" {
		t.Fatalf("expected type-only fallback, got %+v", tasks2)
	}
}

func TestUnmatchedIncidentIsFlagged(t *testing.T) {
	env := newTestEnv(t)
	rec := fallRecord("ext-1", "", "2026-01-02T11:00:00Z", "2026-01-02T11:05:00Z")
	rec.Type = "Medication"
	env.Source.records = []source.Record{rec}
	res, err := env.Engine.RunCycle(env.Ctx, "tester")
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if res.Sync.TasksCreated != 0 {
		t.Fatalf("expected no tasks without a matching policy")
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "incident.policy.unmatched", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 1 {
		t.Fatalf("expected one unmatched event, got %d", len(evts))
	}
}

func TestSeedDefaultPoliciesOnlyWhenEmpty(t *testing.T) {
	env := newTestEnv(t)
	sum, err := env.Engine.SeedDefaultPolicies(env.Ctx, "tester", env.Engine.Now())
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if sum.Imported == 0 {
		t.Fatalf("expected seeded policies")
	}
	again, err := env.Engine.SeedDefaultPolicies(env.Ctx, "tester", env.Engine.Now())
	if err != nil {
		t.Fatal(err)
	}
	if again.Imported != 0 {
		t.Fatalf("seed is not idempotent: %+v", again)
	}
}

func TestImmediatePhaseAnchorsAtPickupTime(t *testing.T) {
	env := newTestEnv(t)
	importPolicy(t, env, testPolicy("FALL-T1", 1, "unwitnessed", []domain.Phase{{
		Interval: 30, IntervalUnit: "minutes",
		Duration: 2, DurationUnit: "hours",
		FirstVisitImmediate: true,
	}}))
	// incident happened two hours before the cycle picks it up
	env.Source.records = []source.Record{
		fallRecord("ext-1", "unwitnessed", "2026-01-02T10:00:00Z", "2026-01-02T10:05:00Z"),
	}
	if _, err := env.Engine.RunCycle(env.Ctx, "tester"); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	in, err := env.Engine.Repo.GetIncidentByExternalID(env.Ctx, "ext-1")
	if err != nil {
		t.Fatal(err)
	}
	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{IncidentID: in.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 4 {
		t.Fatalf("expected 4 tasks, got %d", len(tasks))
	}
	// schedule starts at pickup (12:00), not at the 10:00 occurrence
	if tasks[0].DueAt != "2026-01-02T12:00:00Z" || tasks[3].DueAt != "2026-01-02T13:30:00Z" {
		t.Fatalf("unexpected due times: %s %s", tasks[0].DueAt, tasks[3].DueAt)
	}
}

func TestImportManyPoliciesInOneCall(t *testing.T) {
	env := newTestEnv(t)
	batch := []domain.Policy{
		testPolicy("FALL-A", 1, "unwitnessed", singlePhase()),
		testPolicy("FALL-B", 1, "witnessed", singlePhase()),
		testPolicy("FALL-C", 1, "", singlePhase()),
	}
	sum, err := env.Engine.ImportPolicies(env.Ctx, batch, "tester")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if sum.Imported != 3 {
		t.Fatalf("expected 3 imported, got %+v", sum)
	}
	// replacing several unreferenced policies in one call reads each
	// (code, version) back mid-import, after earlier writes
	for i := range batch {
		batch[i].Priority = "low"
	}
	sum, err = env.Engine.ImportPolicies(env.Ctx, batch, "tester")
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if sum.Replaced != 3 {
		t.Fatalf("expected 3 replaced, got %+v", sum)
	}
}

func TestConcurrentCyclesCollapse(t *testing.T) {
	env := newTestEnv(t)
	importPolicy(t, env, testPolicy("FALL-T1", 1, "unwitnessed", singlePhase()))
	env.Source.records = []source.Record{
		fallRecord("ext-1", "unwitnessed", "2026-01-02T10:00:00Z", "2026-01-02T10:05:00Z"),
	}
	env.Source.entered = make(chan struct{}, 1)
	env.Source.release = make(chan struct{})

	type outcome struct {
		res engine.CycleResult
		err error
	}
	results := make(chan outcome, 2)
	go func() {
		res, err := env.Engine.RunCycle(env.Ctx, "timer")
		results <- outcome{res, err}
	}()
	<-env.Source.entered
	// the first cycle is now blocked in the fetch; a second caller must
	// join that flight instead of starting its own
	go func() {
		res, err := env.Engine.RunCycle(env.Ctx, "manual")
		results <- outcome{res, err}
	}()
	time.Sleep(50 * time.Millisecond)
	close(env.Source.release)

	a, b := <-results, <-results
	if a.err != nil || b.err != nil {
		t.Fatalf("cycle errors: %v %v", a.err, b.err)
	}
	if env.Source.calls != 1 {
		t.Fatalf("expected one fetch for the shared cycle, got %d", env.Source.calls)
	}
	if a.res.Sync.TasksCreated != b.res.Sync.TasksCreated {
		t.Fatalf("callers saw different results: %+v vs %+v", a.res.Sync, b.res.Sync)
	}
	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 4 {
		t.Fatalf("expected 4 tasks, got %d", len(tasks))
	}
}
