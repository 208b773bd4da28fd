// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

// canonicalBlockNumberSort implements sort.Interface to sort []CanonicalBlock
// by block number, ascending, except the payload block: it always sorts
// last regardless of its own number, since forwarding code (pkg/cache)
// expects the payload to be the final block on the wire.
type canonicalBlockNumberSort []CanonicalBlock

func (cbns canonicalBlockNumberSort) Len() int {
	return len(cbns)
}

// Less reports whether i must come before j. Block number 1 is reserved
// for the payload block (see Bundle.AddExtensionBlock), so it always
// sorts last regardless of the numeric comparison that would otherwise
// put it first.
func (cbns canonicalBlockNumberSort) Less(i, j int) bool {
	if cbns[i].BlockNumber == ExtBlockTypePayloadBlock {
		return false
	} else if cbns[j].BlockNumber == ExtBlockTypePayloadBlock {
		return true
	}
	return cbns[i].BlockNumber < cbns[j].BlockNumber
}

func (cbns canonicalBlockNumberSort) Swap(i, j int) {
	cbns[i], cbns[j] = cbns[j], cbns[i]
}
