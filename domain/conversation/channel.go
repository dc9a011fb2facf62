package conversation

import (
	"fmt"
	"lingo-chat/errors"
	"slices"
	"strings"

	"github.com/samber/lo"
)

// ChannelType is the backend channel family used for one-to-one chats.
const ChannelType = "messaging"

const keySeparator = "-"

// ChannelKey addresses the conversation between two participants.
type ChannelKey string

func (k ChannelKey) String() string {
	return string(k)
}

// ResolveChannel returns the canonical key for the pair (a, b).
// The ids are sorted before joining, so ResolveChannel(a, b) == ResolveChannel(b, a).
func ResolveChannel(a, b string) (ChannelKey, error) {
	for _, id := range []string{a, b} {
		if err := checkParticipant(id); err != nil {
			return "", err
		}
	}
	ids := []string{a, b}
	slices.Sort(ids)
	return ChannelKey(strings.Join(ids, keySeparator)), nil
}

// Members lists the distinct participants of the channel between a and b.
func Members(a, b string) []string {
	return lo.Uniq([]string{a, b})
}

// The separator is rejected inside ids, otherwise "a-b"+"c" and "a"+"b-c"
// would share a key.
func checkParticipant(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: empty id", errors.ErrInvalidParticipant)
	case strings.TrimSpace(id) != id:
		return fmt.Errorf("%w: %q has surrounding whitespace", errors.ErrInvalidParticipant, id)
	case strings.Contains(id, keySeparator):
		return fmt.Errorf("%w: %q contains %q", errors.ErrInvalidParticipant, id, keySeparator)
	}
	return nil
}
