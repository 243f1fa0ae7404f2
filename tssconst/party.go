// Copyright © 2019 Binance
//
// This file is part of Binance. The full Binance copyright notice, including
// terms governing use, modification, and redistribution, is contained in the
// file LICENSE at the root of the source code distribution tree.

// Package tssconst holds the vocabulary shared by every engine package: the
// closed protocol/recipient enums, the curve registry, and the participant
// set / peer-index ordering helpers. It plays the role the teacher's `tss`
// package plays for party IDs and curve selection, generalized across four
// protocol families and rebuilt on plain structs (CBOR-tagged) instead of
// the teacher's protobuf-generated `MessageWrapper_PartyID`, since this repo
// has no protoc step (see DESIGN.md).
package tssconst

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/mpcvault/tss-client/common"
)

// PartyID identifies one participant. Key is the value participants are
// ordered by (ascending) once SortPartyIDs assigns Index; it has no meaning
// beyond establishing a canonical, deterministic ordering across all
// parties in a session.
type PartyID struct {
	ID      string   `cbor:"id"`
	Moniker string   `cbor:"moniker"`
	Key     *big.Int `cbor:"key"`
	Index   int      `cbor:"index"`
}

type (
	UnsortedPartyIDs []*PartyID
	SortedPartyIDs   []*PartyID
)

func NewPartyID(id, moniker string, key *big.Int) *PartyID {
	return &PartyID{ID: id, Moniker: moniker, Key: key, Index: -1}
}

func (pid *PartyID) String() string {
	return fmt.Sprintf("{%d,%s}", pid.Index, pid.Moniker)
}

// SortPartyIDs sorts ids by Key ascending and assigns each a canonical
// Index, optionally starting the index sequence at startAt[0].
func SortPartyIDs(ids UnsortedPartyIDs, startAt ...int) SortedPartyIDs {
	sorted := make(SortedPartyIDs, len(ids))
	copy(sorted, ids)
	sort.Sort(sorted)
	frm := 0
	if len(startAt) > 0 {
		frm = startAt[0]
	}
	for i, id := range sorted {
		id.Index = i + frm
	}
	return sorted
}

// GenerateTestPartyIDs builds count mock PartyIDs with deterministic,
// already-sorted keys, for use in package tests.
func GenerateTestPartyIDs(count int, startAt ...int) SortedPartyIDs {
	ids := make(UnsortedPartyIDs, 0, count)
	key := common.MustGetRandomInt(256)
	frm := 0
	if len(startAt) > 0 {
		frm = startAt[0]
	}
	for i := 0; i < count; i++ {
		ids = append(ids, &PartyID{
			ID:      fmt.Sprintf("%d", frm+i+1),
			Moniker: fmt.Sprintf("P[%d]", frm+i+1),
			Key:     new(big.Int).Sub(key, big.NewInt(int64(count-i))),
			Index:   frm + i,
		})
	}
	return SortPartyIDs(ids, startAt...)
}

func (spids SortedPartyIDs) Keys() []*big.Int {
	keys := make([]*big.Int, len(spids))
	for i, pid := range spids {
		keys[i] = pid.Key
	}
	return keys
}

func (spids SortedPartyIDs) FindByKey(key *big.Int) *PartyID {
	for _, pid := range spids {
		if pid.Key.Cmp(key) == 0 {
			return pid
		}
	}
	return nil
}

func (spids SortedPartyIDs) Exclude(exclude *PartyID) SortedPartyIDs {
	out := make(SortedPartyIDs, 0, len(spids))
	for _, pid := range spids {
		if pid.Key.Cmp(exclude.Key) == 0 {
			continue
		}
		out = append(out, pid)
	}
	return out
}

func (spids SortedPartyIDs) Len() int           { return len(spids) }
func (spids SortedPartyIDs) Less(a, b int) bool { return spids[a].Key.Cmp(spids[b].Key) < 0 }
func (spids SortedPartyIDs) Swap(a, b int)      { spids[a], spids[b] = spids[b], spids[a] }
