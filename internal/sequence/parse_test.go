package sequence

import (
	"reflect"
	"testing"
)

const sampleSeq = `# cooldown and scan
TMP TEMP 300 5
WAITFOR 10 1 0
FLD FIELD 2 0.5
SCAN T 300 100 50 0
RES 0.0001 0.06
WAITFOR 1 0 0
EOS
TMP TEMP 4.2 2
`

func TestParseSample(t *testing.T) {
	steps, err := Parse(sampleSeq)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(steps) != 5 {
		t.Fatalf("steps = %d, want 5", len(steps))
	}
	if st, ok := steps[0].(SetTemperature); !ok || st.TargetK != 300 || st.RateKPerMin != 5 {
		t.Fatalf("step 0 = %+v", steps[0])
	}
	if w, ok := steps[1].(Wait); !ok || !w.WaitForT || w.WaitForB || w.ExtraDelayS != 10 {
		t.Fatalf("step 1 = %+v", steps[1])
	}
	if f, ok := steps[2].(SetField); !ok || f.TargetT != 2 || f.RateTPerMin != 0.5 {
		t.Fatalf("step 2 = %+v", steps[2])
	}
	scan, ok := steps[3].(ScanTemperature)
	if !ok || scan.StartK != 300 || scan.EndK != 100 || scan.StepK != 50 {
		t.Fatalf("step 3 = %+v", steps[3])
	}
	if len(scan.Inner) != 2 {
		t.Fatalf("inner steps = %d, want 2", len(scan.Inner))
	}
	res, ok := scan.Inner[0].(ResistanceMeasurement)
	if !ok || res.BiasCurrentA != 0.0001 || res.ReversalDelayS != 0.06 {
		t.Fatalf("inner 0 = %+v", scan.Inner[0])
	}
}

func TestParsePrintRoundTrip(t *testing.T) {
	steps, err := Parse(sampleSeq)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	again, err := Parse(Print(steps))
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if !reflect.DeepEqual(steps, again) {
		t.Fatalf("round trip mismatch:\n%+v\n%+v", steps, again)
	}
}

func TestParseErrors(t *testing.T) {
	bad := []string{
		"TMP TEMP 300",
		"FLD 2 0.5",
		"WAITFOR 10 1",
		"SCAN T 300 100 50 0\nTMP TEMP 4.2 2",
		"EOS",
		"FROB 1 2",
		"TMP TEMP abc 5",
	}
	for _, text := range bad {
		if _, err := Parse(text); err == nil {
			t.Errorf("no error for %q", text)
		}
	}
}

func TestResDefaultDelay(t *testing.T) {
	steps, err := Parse("SCAN T 100 300 0 5\nRES 0.0001 0\nEOS\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	scan := steps[0].(ScanTemperature)
	res := scan.Inner[0].(ResistanceMeasurement)
	if res.ReversalDelayS != DefaultReversalDelayS {
		t.Fatalf("delay = %v", res.ReversalDelayS)
	}
}
