package mailstore

import "strings"

// Flag is a bitmask of per-item state flags, stored verbatim in the
// item row and interpreted by clients.
type Flag int

const (
	FlagNone       Flag = 0
	FlagUnread     Flag = 1 << 0
	FlagFlagged    Flag = 1 << 1
	FlagDraft      Flag = 1 << 2
	FlagReplied    Flag = 1 << 3
	FlagForwarded  Flag = 1 << 4
	FlagAttachment Flag = 1 << 5
	FlagDeleted    Flag = 1 << 6
)

var flagNames = []struct {
	flag Flag
	name string
}{
	{FlagUnread, "unread"},
	{FlagFlagged, "flagged"},
	{FlagDraft, "draft"},
	{FlagReplied, "replied"},
	{FlagForwarded, "forwarded"},
	{FlagAttachment, "attachment"},
	{FlagDeleted, "deleted"},
}

// Has reports whether all bits of other are set.
func (f Flag) Has(other Flag) bool {
	return f&other == other
}

// Set returns f with the given bits set.
func (f Flag) Set(other Flag) Flag {
	return f | other
}

// Clear returns f with the given bits cleared.
func (f Flag) Clear(other Flag) Flag {
	return f &^ other
}

// With returns f with the given bits set or cleared.
func (f Flag) With(other Flag, on bool) Flag {
	if on {
		return f.Set(other)
	}
	return f.Clear(other)
}

func (f Flag) String() string {
	if f == FlagNone {
		return "none"
	}
	var parts []string
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			parts = append(parts, fn.name)
		}
	}
	return strings.Join(parts, "|")
}
