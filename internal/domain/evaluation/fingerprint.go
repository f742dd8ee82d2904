package evaluation

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
)

// fieldMask selects which portions of the context participate in the cache
// fingerprint for a given hook. Encounter metadata only matters to the
// encounter hooks; everything else keys on the clinical lists.
type fieldMask struct {
	medications bool
	allergies   bool
	conditions  bool
	labs        bool
	encounter   bool
}

var hookMasks = map[HookType]fieldMask{
	HookPatientView:         {medications: true, allergies: true, conditions: true, labs: true},
	HookMedicationPrescribe: {medications: true, allergies: true, conditions: true, labs: true},
	HookOrderSelect:         {medications: true, allergies: true, conditions: true, labs: true},
	HookOrderSign:           {medications: true, allergies: true, conditions: true, labs: true},
	HookEncounterStart:      {medications: true, allergies: true, conditions: true, labs: true, encounter: true},
	HookEncounterDischarge:  {medications: true, allergies: true, conditions: true, labs: true, encounter: true},
}

// Fingerprint hashes the hook-relevant fields of the context into a stable
// hex digest. Two contexts with the same relevant clinical data always
// produce the same fingerprint regardless of the order the rows were
// fetched in, so equal inputs share a cache entry.
func Fingerprint(ec *EvaluationContext) string {
	mask, ok := hookMasks[ec.Hook]
	if !ok {
		mask = fieldMask{medications: true, allergies: true, conditions: true, labs: true}
	}

	h := sha256.New()
	fmt.Fprintf(h, "hook|%s\n", ec.Hook)
	fmt.Fprintf(h, "patient|%s\n", ec.PatientID)

	if mask.medications {
		writeSorted(h, "med", len(ec.Medications), func(i int) string {
			m := ec.Medications[i]
			return strings.Join([]string{m.ID.String(), m.Name, deref(m.Code), deref(m.Dose), m.Status}, "|")
		})
	}
	if mask.allergies {
		writeSorted(h, "allergy", len(ec.Allergies), func(i int) string {
			a := ec.Allergies[i]
			return strings.Join([]string{a.ID.String(), a.Substance, a.Status}, "|")
		})
	}
	if mask.conditions {
		writeSorted(h, "cond", len(ec.Conditions), func(i int) string {
			c := ec.Conditions[i]
			return strings.Join([]string{c.ID.String(), deref(c.Code), c.Description, c.Status}, "|")
		})
	}
	if mask.labs {
		writeSorted(h, "lab", len(ec.Labs), func(i int) string {
			l := ec.Labs[i]
			return fmt.Sprintf("%s|%s|%g|%s", l.ID, l.Code, l.Value, l.EffectiveAt.UTC().Format("2006-01-02T15:04:05Z"))
		})
	}
	if mask.encounter {
		e := ec.Encounter
		id := ""
		if e.ID != nil {
			id = e.ID.String()
		}
		fmt.Fprintf(h, "enc|%s|%s\n", id, deref(e.Class))
	}

	return hex.EncodeToString(h.Sum(nil))
}

// writeSorted canonicalizes a list section: render each element, sort the
// rendered lines, then feed them to the hash. Fetch order stops mattering.
func writeSorted(w io.Writer, tag string, n int, render func(i int) string) {
	lines := make([]string, n)
	for i := 0; i < n; i++ {
		lines[i] = render(i)
	}
	sort.Strings(lines)
	for _, line := range lines {
		fmt.Fprintf(w, "%s|%s\n", tag, line)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
