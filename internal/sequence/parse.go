package sequence

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/loykin/cryorun/internal/errkind"
)

// Grammar tokens. Line-oriented, case-sensitive, SCAN bodies end with EOS.
const (
	tokTemp    = "TMP"
	tokField   = "FLD"
	tokWaitFor = "WAITFOR"
	tokScan    = "SCAN"
	tokRes     = "RES"
	tokEOS     = "EOS"
)

// Parse reads a sequence file body into a step list.
func Parse(text string) ([]Step, error) {
	lines := strings.Split(text, "\n")
	steps, rest, err := parseBlock(lines, 0, false)
	if err != nil {
		return nil, err
	}
	if rest < len(lines) {
		return nil, parseErr(rest, "unexpected %q outside a SCAN body", strings.TrimSpace(lines[rest]))
	}
	return steps, nil
}

func parseErr(line int, format string, args ...any) error {
	return errkind.Newf(errkind.KindValue, "sequence", "Parse",
		"line %d: %s", line+1, fmt.Sprintf(format, args...))
}

// parseBlock consumes lines from start until EOS (inside a scan body) or
// end of input, returning the steps and the index after the block.
func parseBlock(lines []string, start int, inScan bool) ([]Step, int, error) {
	var steps []Step
	i := start
	for i < len(lines) {
		fields := strings.Fields(lines[i])
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			i++
			continue
		}
		switch fields[0] {
		case tokEOS:
			if !inScan {
				return nil, 0, parseErr(i, "EOS without a SCAN header")
			}
			return steps, i + 1, nil
		case tokTemp:
			// TMP TEMP <T_K> <rate_K/min>
			if len(fields) != 4 || fields[1] != "TEMP" {
				return nil, 0, parseErr(i, "want TMP TEMP <T_K> <rate>, got %q", lines[i])
			}
			vals, err := floats(i, fields[2:])
			if err != nil {
				return nil, 0, err
			}
			steps = append(steps, SetTemperature{TargetK: vals[0], RateKPerMin: vals[1]})
			i++
		case tokField:
			// FLD FIELD <B_T> <rate_T/min>
			if len(fields) != 4 || fields[1] != "FIELD" {
				return nil, 0, parseErr(i, "want FLD FIELD <B_T> <rate>, got %q", lines[i])
			}
			vals, err := floats(i, fields[2:])
			if err != nil {
				return nil, 0, err
			}
			steps = append(steps, SetField{TargetT: vals[0], RateTPerMin: vals[1]})
			i++
		case tokWaitFor:
			// WAITFOR <delay_s> <Temp? 0/1> <Field? 0/1>
			if len(fields) != 4 {
				return nil, 0, parseErr(i, "want WAITFOR <delay> <0/1> <0/1>, got %q", lines[i])
			}
			vals, err := floats(i, fields[1:])
			if err != nil {
				return nil, 0, err
			}
			steps = append(steps, Wait{
				ExtraDelayS: vals[0],
				WaitForT:    vals[1] != 0,
				WaitForB:    vals[2] != 0,
			})
			i++
		case tokScan:
			// SCAN T <start> <stop> <step> <N> ... EOS
			if len(fields) != 6 || fields[1] != "T" {
				return nil, 0, parseErr(i, "want SCAN T <start> <stop> <step> <N>, got %q", lines[i])
			}
			vals, err := floats(i, fields[2:])
			if err != nil {
				return nil, 0, err
			}
			inner, next, err := parseBlock(lines, i+1, true)
			if err != nil {
				return nil, 0, err
			}
			steps = append(steps, ScanTemperature{
				StartK: vals[0],
				EndK:   vals[1],
				StepK:  vals[2],
				NSteps: int(vals[3]),
				Inner:  inner,
			})
			i = next
		case tokRes:
			// RES <bias_A> <reversal_delay_s>
			if len(fields) != 3 {
				return nil, 0, parseErr(i, "want RES <bias_A> <delay_s>, got %q", lines[i])
			}
			vals, err := floats(i, fields[1:])
			if err != nil {
				return nil, 0, err
			}
			delay := vals[1]
			if delay <= 0 {
				delay = DefaultReversalDelayS
			}
			steps = append(steps, ResistanceMeasurement{
				BiasCurrentA:   vals[0],
				IVPoints:       append([]float64(nil), DefaultIV...),
				ReversalDelayS: delay,
			})
			i++
		default:
			return nil, 0, parseErr(i, "unknown token %q", fields[0])
		}
	}
	if inScan {
		return nil, 0, parseErr(len(lines)-1, "SCAN body not terminated by EOS")
	}
	return steps, i, nil
}

func floats(line int, fields []string) ([]float64, error) {
	out := make([]float64, len(fields))
	for j, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, parseErr(line, "bad number %q", f)
		}
		out[j] = v
	}
	return out, nil
}

// Print renders steps back into the file grammar. Parse(Print(s)) yields an
// equivalent step list.
func Print(steps []Step) string {
	var b strings.Builder
	printBlock(&b, steps)
	return b.String()
}

func printBlock(b *strings.Builder, steps []Step) {
	for _, s := range steps {
		switch st := s.(type) {
		case SetTemperature:
			fmt.Fprintf(b, "TMP TEMP %g %g\n", st.TargetK, st.RateKPerMin)
		case SetField:
			fmt.Fprintf(b, "FLD FIELD %g %g\n", st.TargetT, st.RateTPerMin)
		case Wait:
			fmt.Fprintf(b, "WAITFOR %g %d %d\n", st.ExtraDelayS, b2i(st.WaitForT), b2i(st.WaitForB))
		case ScanTemperature:
			fmt.Fprintf(b, "SCAN T %g %g %g %d\n", st.StartK, st.EndK, st.StepK, st.NSteps)
			printBlock(b, st.Inner)
			b.WriteString("EOS\n")
		case ResistanceMeasurement:
			fmt.Fprintf(b, "RES %g %g\n", st.BiasCurrentA, st.ReversalDelayS)
		}
	}
}

func b2i(v bool) int {
	if v {
		return 1
	}
	return 0
}
