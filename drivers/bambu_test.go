package drivers

import "testing"

func TestBambuMergeAccumulatesDiffs(t *testing.T) {
	t.Parallel()

	s := &bambuPrintPayload{}
	s.merge(&bambuPrintPayload{GcodeFile: "benchy.3mf", GcodeState: "RUNNING", McPercent: 10})
	s.merge(&bambuPrintPayload{McPercent: 42})
	s.merge(&bambuPrintPayload{GcodeState: "PAUSE"})

	if s.GcodeFile != "benchy.3mf" || s.GcodeState != "PAUSE" || s.McPercent != 42 {
		t.Errorf("diffs not accumulated: %+v", s)
	}

	// A zero percent in a diff means unchanged, not reset.
	s.merge(&bambuPrintPayload{GcodeState: "RUNNING"})
	if s.McPercent != 42 {
		t.Errorf("percent lost on unrelated diff: %d", s.McPercent)
	}
}

func TestBambuMergeResetsOnNewPrint(t *testing.T) {
	t.Parallel()

	s := &bambuPrintPayload{
		GcodeFile:       "old.3mf",
		SubtaskName:     "old",
		GcodeState:      "FINISH",
		GcodeStartTime:  "1700000000",
		McPercent:       100,
		McRemainingTime: 1,
	}

	// First report of the next print carries only the new file and state.
	s.merge(&bambuPrintPayload{GcodeFile: "new.3mf", GcodeState: "RUNNING"})
	if s.GcodeFile != "new.3mf" || s.GcodeState != "RUNNING" {
		t.Fatalf("new print not applied: %+v", s)
	}
	if s.McPercent != 0 || s.McRemainingTime != 0 || s.GcodeStartTime != "" || s.SubtaskName != "" {
		t.Errorf("previous print leaked into new print: %+v", s)
	}

	// Repeating the same file in a later diff must not reset progress.
	s.merge(&bambuPrintPayload{McPercent: 7})
	s.merge(&bambuPrintPayload{GcodeFile: "new.3mf"})
	if s.McPercent != 7 {
		t.Errorf("progress reset by unchanged gcode_file: %d", s.McPercent)
	}
}
