package presence

import "hash/fnv"

// cursorPalette holds the colors assigned to remote cursors.
var cursorPalette = []string{
	"#22c55e",
	"#3b82f6",
	"#ef4444",
	"#f59e0b",
	"#a855f7",
	"#ec4899",
	"#14b8a6",
	"#f97316",
	"#6366f1",
	"#84cc16",
}

// ColorFor derives a stable cursor color from userID.
func ColorFor(userID string) string {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(userID))
	return cursorPalette[hasher.Sum32()%uint32(len(cursorPalette))]
}
