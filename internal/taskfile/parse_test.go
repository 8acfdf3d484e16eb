package taskfile

import "testing"

const sampleFile = `## Context
Illustrative project.

## Crucial Dependencies
| library | api | sanity-script path | status |
| --- | --- | --- | --- |
| requests | requests.get | scripts/sanity/requests_check.py | ok |

## Tasks
- [ ] **Task 1**: Setup database
  - Agent: general-purpose
  - Parallel: 0
  - Dependencies: none
  - Definition of Done:
    - Test: tests/test_setup.py::test_schema_created
    - Assertion: tables x, y, z exist

- [ ] **Task 2**: Migrate records
  - Agent: general-purpose
  - Parallel: 1
  - Dependencies: 1
  - Definition of Done:
    - Test: tests/test_migrate.py::test_records_migrated

## Questions/Blockers
None

## Completion Criteria
All tasks pass.
`

func TestParseRejectsDependencyOnLaterGroup(t *testing.T) {
	src := `## Tasks
- [ ] **Task 1**: Late stage
  - Parallel: 0
  - Dependencies: 2
- [ ] **Task 2**: Early stage
  - Parallel: 1
`
	if _, err := Parse([]byte(src)); err == nil {
		t.Fatal("expected error for dependency on a later group")
	}
}

func TestParseHappyPath(t *testing.T) {
	plan, err := Parse([]byte(sampleFile))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(plan.Tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(plan.Tasks))
	}

	t1 := plan.Tasks[0]
	if t1.ID != "task-1" {
		t.Errorf("t1.ID = %q", t1.ID)
	}
	if t1.Title != "Setup database" {
		t.Errorf("t1.Title = %q", t1.Title)
	}
	if t1.Group != 0 {
		t.Errorf("t1.Group = %d, want 0", t1.Group)
	}
	if len(t1.Dependencies) != 0 {
		t.Errorf("t1.Dependencies = %v, want empty", t1.Dependencies)
	}
	if t1.DoD == nil || t1.DoD.Test != "tests/test_setup.py::test_schema_created" {
		t.Errorf("t1.DoD = %+v", t1.DoD)
	}

	t2 := plan.Tasks[1]
	if t2.Group != 1 {
		t.Errorf("t2.Group = %d, want 1", t2.Group)
	}
	if len(t2.Dependencies) != 1 || t2.Dependencies[0] != "task-1" {
		t.Errorf("t2.Dependencies = %v", t2.Dependencies)
	}

	if len(plan.SanityTable) != 1 || plan.SanityTable[0].Script != "scripts/sanity/requests_check.py" {
		t.Errorf("SanityTable = %+v", plan.SanityTable)
	}
	if len(plan.Questions) != 1 || plan.Questions[0] != "None" {
		t.Errorf("Questions = %v", plan.Questions)
	}
	if len(plan.TestFiles) != 2 {
		t.Errorf("TestFiles = %v", plan.TestFiles)
	}
}

func TestParseAlternateHeadingForms(t *testing.T) {
	src := `## Tasks
- [ ] Task 1: Plain form
  - Agent: general-purpose

- [ ] 2. Numbered form
  - Agent: explore
`
	plan, err := Parse([]byte(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(plan.Tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(plan.Tasks))
	}
	if plan.Tasks[0].Title != "Plain form" {
		t.Errorf("Tasks[0].Title = %q", plan.Tasks[0].Title)
	}
	if plan.Tasks[1].Title != "Numbered form" {
		t.Errorf("Tasks[1].Title = %q", plan.Tasks[1].Title)
	}
	if !plan.Tasks[1].Agent.IsResearch() {
		t.Error("expected explore agent to be a research tag")
	}
}

func TestParseDuplicateIDIsHardError(t *testing.T) {
	src := `## Tasks
- [ ] **Task 1**: First
- [ ] **Task 1**: Duplicate
`
	_, err := Parse([]byte(src))
	if err == nil {
		t.Fatal("expected error for duplicate task id")
	}
}

func TestParseUnknownDependencyIsHardError(t *testing.T) {
	src := `## Tasks
- [ ] **Task 1**: First
  - Dependencies: 99
`
	_, err := Parse([]byte(src))
	if err == nil {
		t.Fatal("expected error for unresolved dependency reference")
	}
}

func TestParseUnparsableHeadingIsHardError(t *testing.T) {
	src := `## Tasks
- [ ] this is not a recognised heading shape at all
`
	_, err := Parse([]byte(src))
	if err == nil {
		t.Fatal("expected error for unparsable heading")
	}
}

func TestParseEmptyTasksSection(t *testing.T) {
	src := `## Tasks

## Questions/Blockers
None
`
	plan, err := Parse([]byte(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(plan.Tasks) != 0 {
		t.Errorf("expected zero tasks, got %d", len(plan.Tasks))
	}
}

func TestDefaultsAppliedWhenMetadataAbsent(t *testing.T) {
	src := `## Tasks
- [ ] **Task 1**: No metadata at all
`
	plan, err := Parse([]byte(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	task := plan.Tasks[0]
	if task.Agent != AgentGeneral {
		t.Errorf("Agent = %q, want default", task.Agent)
	}
	if task.Group != 0 {
		t.Errorf("Group = %d, want 0", task.Group)
	}
	if task.Timeout != DefaultTimeout {
		t.Errorf("Timeout = %v, want default", task.Timeout)
	}
	if task.MaxRetries != DefaultMaxRetries {
		t.Errorf("MaxRetries = %d, want default", task.MaxRetries)
	}
}

func TestChecksumStableForIdenticalBytes(t *testing.T) {
	p1, _ := Parse([]byte(sampleFile))
	p2, _ := Parse([]byte(sampleFile))
	if p1.Checksum != p2.Checksum {
		t.Error("expected identical checksum for identical source bytes")
	}
}

func TestTasksInGroupAndMaxGroup(t *testing.T) {
	plan, err := Parse([]byte(sampleFile))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if plan.MaxGroup() != 1 {
		t.Errorf("MaxGroup() = %d, want 1", plan.MaxGroup())
	}
	if len(plan.TasksInGroup(0)) != 1 {
		t.Errorf("TasksInGroup(0) = %d, want 1", len(plan.TasksInGroup(0)))
	}
}
