// Package bucketing maps (user, experiment) pairs onto weighted variants.
//
// The hash is md5("<userID>_<experimentID>") read as a 128-bit big-endian
// integer and reduced modulo Buckets. Existing assignments were computed with
// exactly this function; changing it reassigns every user not yet persisted.
package bucketing

import (
	"crypto/md5"
	"errors"
	"strconv"
)

// Buckets is the size of the hash range, so one bucket is one percent of traffic.
const Buckets = 100

var ErrNoVariants = errors.New("bucketing: no variants to allocate")

// Share is one row of the traffic table. Percentage is in [0, 100].
type Share struct {
	VariantID  int64
	Percentage float64
}

// Hash returns a value in [0, Buckets) that depends only on its inputs.
func Hash(userID string, experimentID int64) int {
	sum := md5.Sum([]byte(userID + "_" + strconv.FormatInt(experimentID, 10)))
	var r uint64
	for _, b := range sum {
		r = (r<<8 | uint64(b)) % Buckets
	}
	return int(r)
}

// Allocate walks shares in the given order and returns the first variant whose
// cumulative share strictly exceeds hash. When the shares are exhausted (they
// sum to less than 100) the last variant is returned.
func Allocate(hash int, shares []Share) (int64, error) {
	if len(shares) == 0 {
		return 0, ErrNoVariants
	}
	cumulative := 0.0
	for _, s := range shares {
		cumulative += s.Percentage
		if float64(hash) < cumulative {
			return s.VariantID, nil
		}
	}
	return shares[len(shares)-1].VariantID, nil
}
