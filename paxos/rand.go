package paxos

import (
	cryrand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math"

	cristalbase64 "github.com/cristalhq/base64"
)

// returns r in the full negative and positive range of int64
func cryptoRandInt64() (r int64) {
	b := make([]byte, 8)
	_, err := cryrand.Read(b)
	panicOn(err)
	return int64(binary.LittleEndian.Uint64(b))
}

// cryptoRandNonNegInt64Range returns r in [0, nChoices) using
// rejection sampling, so there is no modulo bias.
// nChoices must be at least 2.
func cryptoRandNonNegInt64Range(nChoices int64) (r int64) {
	if nChoices <= 1 {
		panic(fmt.Sprintf("nChoices must be in [2, MaxInt64]; we see %v", nChoices))
	}
	// accept values <= redrawAbove; draw again above it.
	redrawAbove := math.MaxInt64 - (((math.MaxInt64 % nChoices) + 1) % nChoices)

	b := make([]byte, 8)
	for {
		_, err := cryrand.Read(b)
		panicOn(err)
		r = int64(binary.LittleEndian.Uint64(b))
		if r < 0 {
			if r == math.MinInt64 {
				return 0
			}
			r = -r
		}
		if r > redrawAbove {
			continue
		}
		return r % nChoices
	}
}

// cryptoRandInt64RangePosOrNeg returns r in
// [-largestPositiveChoice, largestPositiveChoice].
func cryptoRandInt64RangePosOrNeg(largestPositiveChoice int64) (r int64) {
	if largestPositiveChoice < 1 {
		panic(fmt.Sprintf("cryptoRandInt64RangePosOrNeg: largestPositiveChoice must be >= 1; we see %v", largestPositiveChoice))
	}
	if largestPositiveChoice < (math.MaxInt64 >> 1) {
		r = cryptoRandNonNegInt64Range(1 + (largestPositiveChoice << 1))
		return -largestPositiveChoice + r
	}
	for {
		r = cryptoRandInt64()
		if r >= -largestPositiveChoice && r <= largestPositiveChoice {
			return r
		}
	}
}

// cryptoRandFloat64 returns f in [0, 1) at microunit resolution,
// which is plenty for drop and delay decisions.
func cryptoRandFloat64() float64 {
	return float64(cryptoRandNonNegInt64Range(1e6)) / 1e6
}

// cryptoRandDuration returns d in [lo, hi].
func cryptoRandDuration(lo, hi int64) int64 {
	if hi <= lo {
		return lo
	}
	return lo + cryptoRandNonNegInt64Range(hi-lo+1)
}

// cryRand17B makes unguessable names for temp files.
func cryRand17B() string {
	var by [17]byte
	_, err := cryrand.Read(by[:])
	panicOn(err)
	return cristalbase64.URLEncoding.EncodeToString(by[:])
}
