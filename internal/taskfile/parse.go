package taskfile

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
)

var (
	headingBold   = regexp.MustCompile(`(?i)^-\s*\[\s*\]\s*\*\*Task\s+(\d+)\*\*\s*:\s*(.+)$`)
	headingPlain  = regexp.MustCompile(`(?i)^-\s*\[\s*\]\s*Task\s+(\d+)\s*:\s*(.+)$`)
	headingNumber = regexp.MustCompile(`(?i)^-\s*\[\s*\]\s*(\d+)\.\s*(.+)$`)
	taskLikeLine  = regexp.MustCompile(`^-\s*\[\s*\]`)
	metaLine      = regexp.MustCompile(`(?i)^\s*-\s*([A-Za-z][A-Za-z /]*[A-Za-z]|[A-Za-z]):\s*(.*)$`)
	sectionLine   = regexp.MustCompile(`^##\s+(.+?)\s*$`)
	sanityPattern = regexp.MustCompile(`[^\s,]*/sanity/[^\s,]*\.py`)
)

const (
	sectionNone        = ""
	sectionContext      = "context"
	sectionCrucialDeps  = "crucial dependencies"
	sectionQuestions    = "questions/blockers"
	sectionTasks        = "tasks"
	sectionCompletion   = "completion criteria"
)

func normalizeSection(title string) string {
	return strings.ToLower(strings.TrimSpace(title))
}

// taskBuilder accumulates metadata lines for one in-progress task.
type taskBuilder struct {
	line         int
	idNum        string
	title        string
	bodyLines    []string
	agent        AgentTag
	group        int
	groupSet     bool
	deps         []string
	depsSet      bool
	notes        string
	sanity       []string
	inDoD        bool
	dodTest      string
	dodAssertion string
	hasDoD       bool
	timeout      string
	maxRetries   string
}

func (b *taskBuilder) finish() Task {
	t := Task{
		ID:         "task-" + b.idNum,
		Ordinal:    atoiSafe(b.idNum),
		Title:      b.title,
		Body:       strings.TrimSpace(strings.Join(append([]string{b.title}, b.bodyLines...), "\n")),
		Agent:      b.agent,
		Group:      b.group,
		Notes:      b.notes,
		Sanity:     b.sanity,
		Line:       b.line,
		Timeout:    DefaultTimeout,
		MaxRetries: DefaultMaxRetries,
	}
	if t.Agent == "" {
		t.Agent = AgentGeneral
	}
	if b.depsSet {
		t.Dependencies = b.deps
	}
	if b.hasDoD {
		t.DoD = &DoD{Test: strings.TrimSpace(b.dodTest), Assertion: strings.TrimSpace(b.dodAssertion)}
	}
	return t
}

func atoiSafe(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// ParseFile reads path and parses it as a task file.
func ParseFile(path string) (*TaskPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("taskfile: read %s: %w", path, err)
	}
	plan, err := Parse(data)
	if err != nil {
		return nil, err
	}
	plan.SourcePath = path
	return plan, nil
}

// Parse parses raw task-file bytes into a TaskPlan. The parser is total: it
// tolerates arbitrary formatting drift outside the recognised shapes, and
// only raises hard errors for unparseable task headings, duplicate ids, and
// invalid dependency references.
func Parse(data []byte) (*TaskPlan, error) {
	plan := &TaskPlan{Checksum: checksum(data), RawSource: string(data)}

	section := sectionNone
	var current *taskBuilder
	var tableRows [][]string
	inTable := false

	flush := func() {
		if current != nil {
			plan.Tasks = append(plan.Tasks, current.finish())
			current = nil
		}
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Text()
		trimmed := strings.TrimRight(raw, " \t\r")

		if m := sectionLine.FindStringSubmatch(trimmed); m != nil {
			flush()
			inTable = false
			section = normalizeSection(m[1])
			continue
		}

		switch section {
		case sectionTasks:
			if t := tryParseHeading(trimmed); t != nil {
				flush()
				current = t
				current.line = lineNo
				continue
			}
			if taskLikeLine.MatchString(strings.TrimSpace(trimmed)) {
				return nil, fmt.Errorf("%w: line %d: unparsable task heading: %q", ErrParse, lineNo, trimmed)
			}
			if current != nil {
				if consumeTaskLine(current, trimmed) {
					continue
				}
			}
			if strings.TrimSpace(trimmed) != "" && current != nil && !strings.HasPrefix(strings.TrimSpace(trimmed), "-") {
				current.bodyLines = append(current.bodyLines, strings.TrimSpace(trimmed))
			}
		case sectionQuestions:
			text := strings.TrimSpace(trimmed)
			if text != "" {
				// Raw line preserved (including any leading "-") so the
				// pre-flight blocker check can apply its own stripping rule.
				plan.Questions = append(plan.Questions, text)
			}
		case sectionCrucialDeps:
			text := strings.TrimSpace(trimmed)
			if strings.HasPrefix(text, "|") {
				if isTableSeparator(text) {
					inTable = true
					continue
				}
				row := splitTableRow(text)
				if inTable {
					tableRows = append(tableRows, row)
				}
			}
		case sectionContext:
			plan.RawContext += trimmed + "\n"
		case sectionCompletion:
			plan.CompletionCriteria += trimmed + "\n"
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("taskfile: scan: %w", err)
	}
	flush()

	for _, row := range tableRows {
		entry := SanityEntry{}
		if len(row) > 0 {
			entry.Library = row[0]
		}
		if len(row) > 1 {
			entry.API = row[1]
		}
		if len(row) > 2 {
			entry.Script = row[2]
		}
		if len(row) > 3 {
			entry.Status = row[3]
		}
		plan.SanityTable = append(plan.SanityTable, entry)
		if entry.Script != "" {
			plan.SanityScripts = append(plan.SanityScripts, entry.Script)
		}
	}

	collectDeclaredPaths(plan)

	if err := validatePlan(plan); err != nil {
		return nil, err
	}

	return plan, nil
}

func tryParseHeading(line string) *taskBuilder {
	trimmed := strings.TrimSpace(line)
	if m := headingBold.FindStringSubmatch(trimmed); m != nil {
		return &taskBuilder{idNum: m[1], title: strings.TrimSpace(m[2])}
	}
	if m := headingPlain.FindStringSubmatch(trimmed); m != nil {
		return &taskBuilder{idNum: m[1], title: strings.TrimSpace(m[2])}
	}
	if m := headingNumber.FindStringSubmatch(trimmed); m != nil {
		return &taskBuilder{idNum: m[1], title: strings.TrimSpace(m[2])}
	}
	return nil
}

// consumeTaskLine attempts to interpret line as metadata belonging to b.
// Returns true if the line was consumed (metadata, DoD sub-key, or blank).
func consumeTaskLine(b *taskBuilder, line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return true
	}

	if b.inDoD {
		if m := metaLine.FindStringSubmatch(line); m != nil {
			key := strings.ToLower(strings.TrimSpace(m[1]))
			val := strings.TrimSpace(m[2])
			switch key {
			case "test":
				b.dodTest = val
				b.hasDoD = true
				return true
			case "assertion":
				b.dodAssertion = val
				b.hasDoD = true
				return true
			}
		}
		// Any non-subkey line ends the DoD block but is still consumed as
		// metadata if it matches a normal Key: value shape.
		b.inDoD = false
	}

	m := metaLine.FindStringSubmatch(line)
	if m == nil {
		return false
	}
	key := strings.ToLower(strings.TrimSpace(m[1]))
	val := strings.TrimSpace(m[2])

	switch key {
	case "agent":
		b.agent = AgentTag(strings.ToLower(val))
	case "parallel":
		if n, err := strconv.Atoi(val); err == nil {
			b.group = n
		}
		b.groupSet = true
	case "dependencies":
		b.depsSet = true
		b.deps = parseDependencyList(val)
	case "notes":
		b.notes = val
	case "sanity":
		for _, p := range strings.Split(val, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				b.sanity = append(b.sanity, p)
			}
		}
	case "definition of done":
		b.inDoD = true
		if val != "" {
			b.dodTest = val
			b.hasDoD = true
		}
	default:
		return false
	}
	return true
}

func parseDependencyList(val string) []string {
	lower := strings.ToLower(strings.TrimSpace(val))
	if lower == "" || lower == "none" || lower == "n/a" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(val, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, normalizeDepRef(p))
	}
	return out
}

// normalizeDepRef accepts either a bare task number ("1") or a fully
// qualified id ("task-1") and returns the canonical task id.
func normalizeDepRef(ref string) string {
	ref = strings.TrimPrefix(strings.ToLower(ref), "task ")
	ref = strings.TrimPrefix(ref, "task-")
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ref
	}
	return "task-" + ref
}

func isTableSeparator(row string) bool {
	body := strings.Trim(row, "| \t")
	if body == "" {
		return false
	}
	for _, r := range body {
		switch r {
		case '-', ':', '|', ' ':
			continue
		default:
			return false
		}
	}
	return strings.Contains(body, "-")
}

func splitTableRow(row string) []string {
	trimmed := strings.Trim(row, "|")
	parts := strings.Split(trimmed, "|")
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = strings.TrimSpace(p)
	}
	return out
}

func collectDeclaredPaths(plan *TaskPlan) {
	seenSanity := make(map[string]bool)
	for _, s := range plan.SanityScripts {
		seenSanity[s] = true
	}
	for _, t := range plan.Tasks {
		for _, s := range t.Sanity {
			if !seenSanity[s] {
				seenSanity[s] = true
				plan.SanityScripts = append(plan.SanityScripts, s)
			}
		}
		for _, m := range sanityPattern.FindAllString(t.Body, -1) {
			if !seenSanity[m] {
				seenSanity[m] = true
				plan.SanityScripts = append(plan.SanityScripts, m)
			}
		}
		if t.DoD != nil && !t.DoD.IsMissing() {
			plan.TestFiles = append(plan.TestFiles, t.DoD.TestFile())
		}
	}
}

func validatePlan(plan *TaskPlan) error {
	seen := make(map[string]int)
	for _, t := range plan.Tasks {
		if prior, ok := seen[t.ID]; ok {
			return fmt.Errorf("%w: line %d: duplicate task id %q (first declared at line %d)", ErrParse, t.Line, t.ID, prior)
		}
		seen[t.ID] = t.Line
	}

	index := make(map[string]int, len(plan.Tasks))
	for i, t := range plan.Tasks {
		index[t.ID] = i
	}
	for i, t := range plan.Tasks {
		for _, dep := range t.Dependencies {
			j, ok := index[dep]
			if !ok {
				return fmt.Errorf("%w: line %d: task %q depends on unknown task %q", ErrParse, t.Line, t.ID, dep)
			}
			// A dependency must live in a strictly earlier group, or in the
			// same group and declared earlier.
			d := plan.Tasks[j]
			if d.Group > t.Group || (d.Group == t.Group && j >= i) {
				return fmt.Errorf("%w: line %d: task %q depends on %q, which does not precede it (group %d vs %d)", ErrParse, t.Line, t.ID, dep, d.Group, t.Group)
			}
		}
	}

	return detectCycles(plan)
}

// detectCycles is a safety net: by construction dependencies only reference
// prior ids, so a cycle should be impossible, but we verify it anyway.
func detectCycles(plan *TaskPlan) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(plan.Tasks))
	byID := make(map[string]Task, len(plan.Tasks))
	for _, t := range plan.Tasks {
		byID[t.ID] = t
	}

	var visit func(id string, stack []string) error
	visit = func(id string, stack []string) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("%w: dependency cycle detected: %s", ErrParse, strings.Join(append(stack, id), " -> "))
		}
		color[id] = gray
		for _, dep := range byID[id].Dependencies {
			if err := visit(dep, append(stack, id)); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}

	for _, t := range plan.Tasks {
		if color[t.ID] == white {
			if err := visit(t.ID, nil); err != nil {
				return err
			}
		}
	}
	return nil
}
