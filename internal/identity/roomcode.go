package identity

import (
	"crypto/rand"
	"math/big"
	"strings"
)

var (
	moods = []string{
		"amber", "brisk", "calm", "dusky", "eager", "fuzzy", "gentle", "hazy", "icy", "jolly",
		"keen", "lucky", "mellow", "nimble", "olive", "plucky", "quiet", "rosy", "sunny", "tidy",
	}
	creatures = []string{
		"badger", "crane", "dingo", "egret", "ferret", "gecko", "heron", "ibis", "jackal", "koala",
		"lemur", "marten", "newt", "otter", "puffin", "quail", "raven", "stoat", "tapir", "vole",
	}
	places = []string{
		"atoll", "bay", "cove", "delta", "fjord", "glen", "harbor", "isle", "jetty", "knoll",
		"lagoon", "marsh", "nook", "oasis", "pier", "quay", "ridge", "shoal", "tarn", "vale",
	}
)

// NewRoomCode returns a memorable code such as "brisk-otter-cove" for a
// peer that opens a room without one.
func NewRoomCode() (string, error) {
	words := make([]string, 0, 3)
	for _, list := range [][]string{moods, creatures, places} {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(list))))
		if err != nil {
			return "", err
		}
		words = append(words, list[n.Int64()])
	}
	return strings.Join(words, "-"), nil
}
