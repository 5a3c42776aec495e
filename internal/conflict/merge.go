package conflict

import (
	"fmt"
	"slices"

	"github.com/snehjoshi/chatsync/internal/types"
)

// MergeMessages combines two versions of a message whose text is identical.
// The result is the remote copy with each emoji's user set replaced by the
// union of both sides; remote users come first. Every other field, UpdatedAt
// included, is the remote's. Differing content returns
// ErrMergeConflict.
func MergeMessages(local, remote, _ *types.Message) (*types.Message, error) {
	if local.Content != remote.Content {
		return nil, fmt.Errorf("%w: message %s content differs", ErrMergeConflict, remote.ID)
	}

	out := remote.Clone()
	out.Reactions = unionReactions(remote.Reactions, local.Reactions)
	return out, nil
}

func unionReactions(first, second []types.Reaction) []types.Reaction {
	var out []types.Reaction
	index := make(map[string]int)
	for _, side := range [][]types.Reaction{first, second} {
		for _, r := range side {
			i, ok := index[r.Emoji]
			if !ok {
				index[r.Emoji] = len(out)
				out = append(out, types.Reaction{Emoji: r.Emoji})
				i = len(out) - 1
			}
			for _, u := range r.UserIDs {
				if !slices.Contains(out[i].UserIDs, u) {
					out[i].UserIDs = append(out[i].UserIDs, u)
				}
			}
		}
	}
	for i := range out {
		out[i].Count = len(out[i].UserIDs)
	}
	return out
}
