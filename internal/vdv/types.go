// Package vdv stores VDV-454 REF-AUS SollFahrts and AUS IstFahrts per trip
// "instance" and merges them into one IstFahrt.
//
// Values follow the JSON emitted by vdv-453-nats-adapter: all scalars are
// strings, booleans are "true"/"false" and times are ISO 8601. An empty
// string is treated like a missing value.
package vdv

import (
	"encoding/json"
	"time"
)

type FahrtID struct {
	FahrtBezeichner string `json:"FahrtBezeichner,omitempty"`
	Betriebstag     string `json:"Betriebstag,omitempty"`
}

type FahrtStartEnde struct {
	StartHaltID string `json:"StartHaltID,omitempty"`
	Startzeit   string `json:"Startzeit,omitempty"`
	EndHaltID   string `json:"EndHaltID,omitempty"`
	Endzeit     string `json:"Endzeit,omitempty"`
}

// Halt is a SollHalt or an IstHalt.
type Halt struct {
	HaltID           string `json:"HaltID,omitempty"`
	HaltestellenName string `json:"HaltestellenName,omitempty"`

	Abfahrtszeit       string `json:"Abfahrtszeit,omitempty"`
	IstAbfahrtPrognose string `json:"IstAbfahrtPrognose,omitempty"`
	AbfahrtssteigText  string `json:"AbfahrtssteigText,omitempty"`
	Einsteigeverbot    string `json:"Einsteigeverbot,omitempty"`

	Ankunftszeit       string `json:"Ankunftszeit,omitempty"`
	IstAnkunftPrognose string `json:"IstAnkunftPrognose,omitempty"`
	AnkunftssteigText  string `json:"AnkunftssteigText,omitempty"`
	Aussteigeverbot    string `json:"Aussteigeverbot,omitempty"`

	Durchfahrt      string `json:"Durchfahrt,omitempty"`
	Zusatzhalt      string `json:"Zusatzhalt,omitempty"`
	HinweisText     string `json:"HinweisText,omitempty"`
	RichtungsText   string `json:"RichtungsText,omitempty"`
	VonText         string `json:"VonText,omitempty"`
	LinienfahrwegID string `json:"LinienfahrwegID,omitempty"`
}

// Fahrt is a REF-AUS SollFahrt (with SollHalts) or an AUS IstFahrt (with IstHalts).
type Fahrt struct {
	Zst             string `json:"Zst,omitempty"`
	BestaetigungZst string `json:"$BestaetigungZst,omitempty"`

	LinienID         string `json:"LinienID,omitempty"`
	LinienText       string `json:"LinienText,omitempty"`
	RichtungsID      string `json:"RichtungsID,omitempty"`
	RichtungsText    string `json:"RichtungsText,omitempty"`
	VonRichtungsText string `json:"VonRichtungsText,omitempty"`

	FahrtID        *FahrtID        `json:"FahrtID,omitempty"`
	FahrtStartEnde *FahrtStartEnde `json:"FahrtStartEnde,omitempty"`

	Komplettfahrt    string          `json:"Komplettfahrt,omitempty"`
	UmlaufID         string          `json:"UmlaufID,omitempty"`
	PrognoseMoeglich string          `json:"PrognoseMoeglich,omitempty"`
	FaelltAus        string          `json:"FaelltAus,omitempty"`
	FahrzeugTypID    string          `json:"FahrzeugTypID,omitempty"`
	Zusatzfahrt      string          `json:"Zusatzfahrt,omitempty"`
	Fahrradmitnahme  string          `json:"Fahrradmitnahme,omitempty"`
	ServiceAttributs json.RawMessage `json:"ServiceAttributs,omitempty"`

	SollHalts []Halt `json:"SollHalts,omitempty"`
	IstHalts  []Halt `json:"IstHalts,omitempty"`
}

// Key identifies the trip "instance" as "<Betriebstag>:<FahrtBezeichner>".
func (f *Fahrt) Key() (string, bool) {
	if f == nil || f.FahrtID == nil || f.FahrtID.FahrtBezeichner == "" || f.FahrtID.Betriebstag == "" {
		return "", false
	}
	return f.FahrtID.Betriebstag + ":" + f.FahrtID.FahrtBezeichner, true
}

func (f *Fahrt) IsKomplettfahrt() bool { return f.Komplettfahrt == "true" }

// sparse returns a copy without halts.
func (f Fahrt) sparse() Fahrt {
	f.SollHalts = nil
	f.IstHalts = nil
	return f
}

// PartialIstHalt is a single IstHalt of a non-Komplettfahrt IstFahrt, stored
// together with the rest of its IstFahrt.
type PartialIstHalt struct {
	Halt
	IstFahrt Fahrt `json:"IstFahrt"`
}

func parseTime(iso string) (time.Time, bool) {
	if iso == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, iso)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func unixTime(iso string) (int64, bool) {
	t, ok := parseTime(iso)
	if !ok {
		return 0, false
	}
	return t.Unix(), true
}

// Equivalent reports whether two halts describe the same stop event: same
// HaltID and the same scheduled departure or arrival.
func (h *Halt) Equivalent(o *Halt) bool {
	if h.HaltID == "" || h.HaltID != o.HaltID {
		return false
	}
	if dep, ok := unixTime(h.Abfahrtszeit); ok {
		if odep, ok := unixTime(o.Abfahrtszeit); ok && dep == odep {
			return true
		}
	}
	if arr, ok := unixTime(h.Ankunftszeit); ok {
		if oarr, ok := unixTime(o.Ankunftszeit); ok && arr == oarr {
			return true
		}
	}
	return false
}

// compareScheduled orders halts by scheduled departure, then by scheduled
// arrival, then by comparing one's arrival with the other's departure.
func compareScheduled(a, b *Halt) int {
	dep1, okDep1 := unixTime(a.Abfahrtszeit)
	arr1, okArr1 := unixTime(a.Ankunftszeit)
	dep2, okDep2 := unixTime(b.Abfahrtszeit)
	arr2, okArr2 := unixTime(b.Ankunftszeit)

	switch {
	case okDep1 && okDep2:
		return cmpInt64(dep1, dep2)
	case okArr1 && okArr2:
		return cmpInt64(arr1, arr2)
	case okArr2 && okDep1 && arr2 > dep1:
		return -1
	case okArr1 && okDep2 && arr1 > dep2:
		return 1
	}
	return 0
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
