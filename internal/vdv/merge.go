package vdv

import (
	"slices"
	"time"

	"vdv-gtfsrt-matcher/internal/failure"
)

// Fragments are all stored messages of one trip "instance".
type Fragments struct {
	SollFahrt     *Fahrt
	Komplettfahrt *Fahrt

	// Partials are ordered by scheduled time.
	Partials []PartialIstHalt
}

func (fr *Fragments) Empty() bool {
	return fr == nil || (fr.SollFahrt == nil && fr.Komplettfahrt == nil && len(fr.Partials) == 0)
}

type MergeResult struct {
	IstFahrt Fahrt

	HasSollFahrt     bool
	HasKomplettfahrt bool
	HasPartials      bool
}

// HasRealtimeData reports whether any IstFahrt went into the merge.
func (r *MergeResult) HasRealtimeData() bool {
	return r.HasKomplettfahrt || r.HasPartials
}

// source order doubles as tie-break order: on equal Zst the later source wins.
type source int

const (
	fromSoll source = iota
	fromKomplett
	fromPartial
)

type sourced[T any] struct {
	v   *T
	zst time.Time // zero if the message had no (valid) Zst
	src source
}

type rule int

const (
	// first non-empty value in the order Soll, Komplettfahrt, partials
	firstScheduled rule = iota
	// non-empty value of the most recently confirmed source
	latestConfirmed
	// like latestConfirmed, among Komplettfahrt and partials only
	latestRealtime
)

type fieldRule[T any] struct {
	rule  rule
	field func(*T) *string
}

var haltRules = []fieldRule[Halt]{
	{firstScheduled, func(h *Halt) *string { return &h.HaltID }},
	{firstScheduled, func(h *Halt) *string { return &h.HaltestellenName }},
	{firstScheduled, func(h *Halt) *string { return &h.LinienfahrwegID }},

	{firstScheduled, func(h *Halt) *string { return &h.Abfahrtszeit }},
	{latestRealtime, func(h *Halt) *string { return &h.IstAbfahrtPrognose }},
	{latestRealtime, func(h *Halt) *string { return &h.AbfahrtssteigText }},
	{latestConfirmed, func(h *Halt) *string { return &h.Einsteigeverbot }},

	{firstScheduled, func(h *Halt) *string { return &h.Ankunftszeit }},
	{latestRealtime, func(h *Halt) *string { return &h.IstAnkunftPrognose }},
	{latestRealtime, func(h *Halt) *string { return &h.AnkunftssteigText }},
	{latestConfirmed, func(h *Halt) *string { return &h.Aussteigeverbot }},

	{latestConfirmed, func(h *Halt) *string { return &h.Durchfahrt }},
	{latestConfirmed, func(h *Halt) *string { return &h.Zusatzhalt }},
	{latestConfirmed, func(h *Halt) *string { return &h.HinweisText }},
	{latestConfirmed, func(h *Halt) *string { return &h.RichtungsText }},
	{latestConfirmed, func(h *Halt) *string { return &h.VonText }},
}

var fahrtRules = []fieldRule[Fahrt]{
	{latestConfirmed, func(f *Fahrt) *string { return &f.LinienID }},
	{latestConfirmed, func(f *Fahrt) *string { return &f.LinienText }},
	{latestConfirmed, func(f *Fahrt) *string { return &f.RichtungsID }},
	{latestConfirmed, func(f *Fahrt) *string { return &f.RichtungsText }},
	{latestConfirmed, func(f *Fahrt) *string { return &f.VonRichtungsText }},
	{latestConfirmed, func(f *Fahrt) *string { return &f.Komplettfahrt }},
	{latestConfirmed, func(f *Fahrt) *string { return &f.UmlaufID }},
	{latestConfirmed, func(f *Fahrt) *string { return &f.PrognoseMoeglich }},
	{latestConfirmed, func(f *Fahrt) *string { return &f.FaelltAus }},
	{latestConfirmed, func(f *Fahrt) *string { return &f.FahrzeugTypID }},
	{latestConfirmed, func(f *Fahrt) *string { return &f.Zusatzfahrt }},
	{latestConfirmed, func(f *Fahrt) *string { return &f.Fahrradmitnahme }},
}

func isRealtime(s source) bool { return s != fromSoll }

func pick[T any](r rule, srcs []sourced[T], field func(*T) *string) string {
	switch r {
	case firstScheduled:
		for _, s := range srcs {
			if v := *field(s.v); v != "" {
				return v
			}
		}
		return ""
	case latestConfirmed:
		return latest(srcs, field, func(source) bool { return true })
	case latestRealtime:
		return latest(srcs, field, isRealtime)
	}
	return ""
}

func latest[T any](srcs []sourced[T], field func(*T) *string, keep func(source) bool) string {
	var (
		best    string
		bestZst time.Time
		found   bool
	)
	for _, s := range srcs {
		if !keep(s.src) {
			continue
		}
		v := *field(s.v)
		if v == "" {
			continue
		}
		if !found || !s.zst.Before(bestZst) {
			best, bestZst, found = v, s.zst, true
		}
	}
	return best
}

func apply[T any](rules []fieldRule[T], srcs []sourced[T], out *T) {
	for _, r := range rules {
		*r.field(out) = pick(r.rule, srcs, r.field)
	}
}

// latestTimestamp returns the value denoting the latest point in time.
// Unparsable values only win if nothing else is present.
func latestTimestamp(vals ...string) string {
	var (
		best   string
		bestAt time.Time
	)
	for _, v := range vals {
		if v == "" {
			continue
		}
		at, _ := parseTime(v)
		if best == "" || !at.Before(bestAt) {
			best, bestAt = v, at
		}
	}
	return best
}

func zst(f *Fahrt) time.Time {
	t, _ := parseTime(f.Zst)
	return t
}

// Merge combines all fragments of a trip "instance" into one IstFahrt. The
// list of halts comes from the Komplettfahrt if present, else from the
// SollFahrt, else from the partial IstFahrts. Equivalent halts of the other
// sources are merged into each halt field by field.
//
// Merge expects at least one fragment; Fragments without any are an Invariant error.
func Merge(fr *Fragments) (*MergeResult, error) {
	if fr.Empty() {
		return nil, failure.Newf(failure.Invariant, "vdv merge", "none of SollFahrt, Komplettfahrt and partial IstFahrts present")
	}

	partials := slices.Clone(fr.Partials)
	slices.SortStableFunc(partials, func(a, b PartialIstHalt) int {
		return compareScheduled(&a.Halt, &b.Halt)
	})

	res := &MergeResult{
		HasSollFahrt:     fr.SollFahrt != nil,
		HasKomplettfahrt: fr.Komplettfahrt != nil,
		HasPartials:      len(partials) > 0,
	}
	res.IstFahrt = mergeFahrts(fr.SollFahrt, fr.Komplettfahrt, partials)

	switch {
	case fr.Komplettfahrt != nil:
		res.IstFahrt.Komplettfahrt = "true"
		res.IstFahrt.PrognoseMoeglich = "true"
		k := fr.Komplettfahrt
		res.IstFahrt.IstHalts = make([]Halt, 0, len(k.IstHalts))
		for i := range k.IstHalts {
			kh := &k.IstHalts[i]
			var srcs []sourced[Halt]
			if fr.SollFahrt != nil {
				if sh := findEquivalent(kh, fr.SollFahrt.SollHalts); sh != nil {
					srcs = append(srcs, sourced[Halt]{sh, zst(fr.SollFahrt), fromSoll})
				}
			}
			srcs = append(srcs, sourced[Halt]{kh, zst(k), fromKomplett})
			srcs = append(srcs, equivalentPartials(kh, partials)...)
			res.IstFahrt.IstHalts = append(res.IstFahrt.IstHalts, mergeHalt(srcs))
		}

	case fr.SollFahrt != nil:
		s := fr.SollFahrt
		res.IstFahrt.IstHalts = make([]Halt, 0, len(s.SollHalts))
		for i := range s.SollHalts {
			sh := &s.SollHalts[i]
			srcs := []sourced[Halt]{{sh, zst(s), fromSoll}}
			srcs = append(srcs, equivalentPartials(sh, partials)...)
			res.IstFahrt.IstHalts = append(res.IstFahrt.IstHalts, mergeHalt(srcs))
		}

	default:
		res.IstFahrt.PrognoseMoeglich = "true"
		// Several partials may describe the same halt, e.g. when it was first
		// sent with only its arrival and later with its departure as well.
		var groups [][]sourced[Halt]
		for i := range partials {
			p := &partials[i]
			s := sourced[Halt]{&p.Halt, zst(&p.IstFahrt), fromPartial}
			j := slices.IndexFunc(groups, func(g []sourced[Halt]) bool {
				return g[0].v.Equivalent(&p.Halt)
			})
			if j < 0 {
				groups = append(groups, []sourced[Halt]{s})
				continue
			}
			groups[j] = append(groups[j], s)
		}
		res.IstFahrt.IstHalts = make([]Halt, 0, len(groups))
		for _, g := range groups {
			res.IstFahrt.IstHalts = append(res.IstFahrt.IstHalts, mergeHalt(g))
		}
	}
	res.IstFahrt.SollHalts = nil
	return res, nil
}

func mergeHalt(srcs []sourced[Halt]) Halt {
	var h Halt
	apply(haltRules, srcs, &h)
	return h
}

func findEquivalent(h *Halt, halts []Halt) *Halt {
	for i := range halts {
		if h.Equivalent(&halts[i]) {
			return &halts[i]
		}
	}
	return nil
}

func equivalentPartials(h *Halt, partials []PartialIstHalt) []sourced[Halt] {
	var res []sourced[Halt]
	for i := range partials {
		p := &partials[i]
		if h.Equivalent(&p.Halt) {
			res = append(res, sourced[Halt]{&p.Halt, zst(&p.IstFahrt), fromPartial})
		}
	}
	return res
}

func mergeFahrts(soll, komplett *Fahrt, partials []PartialIstHalt) Fahrt {
	var srcs []sourced[Fahrt]
	if soll != nil {
		s := soll.sparse()
		srcs = append(srcs, sourced[Fahrt]{&s, zst(soll), fromSoll})
	}
	if komplett != nil {
		k := komplett.sparse()
		srcs = append(srcs, sourced[Fahrt]{&k, zst(komplett), fromKomplett})
	}
	for i := range partials {
		f := &partials[i].IstFahrt
		srcs = append(srcs, sourced[Fahrt]{f, zst(f), fromPartial})
	}

	var out Fahrt
	apply(fahrtRules, srcs, &out)

	zsts := make([]string, 0, len(srcs))
	bestaetigt := make([]string, 0, len(srcs))
	var (
		startEnde    *FahrtStartEnde
		startEndeZst time.Time
		attrsZst     time.Time
	)
	for _, s := range srcs {
		zsts = append(zsts, s.v.Zst)
		bestaetigt = append(bestaetigt, s.v.BestaetigungZst)
		if out.FahrtID == nil && s.v.FahrtID != nil {
			id := *s.v.FahrtID
			out.FahrtID = &id
		}
		if s.v.FahrtStartEnde != nil && (startEnde == nil || !s.zst.Before(startEndeZst)) {
			startEnde, startEndeZst = s.v.FahrtStartEnde, s.zst
		}
		if len(s.v.ServiceAttributs) > 0 && (out.ServiceAttributs == nil || !s.zst.Before(attrsZst)) {
			out.ServiceAttributs, attrsZst = s.v.ServiceAttributs, s.zst
		}
	}
	if startEnde != nil {
		se := *startEnde
		out.FahrtStartEnde = &se
	}
	out.Zst = latestTimestamp(zsts...)
	out.BestaetigungZst = latestTimestamp(bestaetigt...)
	return out
}
