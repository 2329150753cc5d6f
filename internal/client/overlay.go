package client

import (
	"fmt"
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/coderoom/internal/protocol"
)

// Decoration is an editor highlight anchored at a caret position.
type Decoration struct {
	Position     protocol.Position
	ClassName    string
	HoverMessage string
	Color        string
}

// Editor is the subset of an editor widget the overlay drives.
// DeltaDecorations replaces the decorations identified by oldIDs with
// decorations and returns their new identifiers.
type Editor interface {
	Content() string
	ReplaceContent(code string)
	DeltaDecorations(oldIDs []string, decorations []Decoration) []string
}

// CursorOverlay mirrors a session view into an editor: the buffer is
// replaced when it differs and remote carets are rendered as decorations.
type CursorOverlay struct {
	editor Editor

	mu            sync.Mutex
	decorationIDs []string
}

func NewCursorOverlay(editor Editor) *CursorOverlay {
	return &CursorOverlay{editor: editor}
}

// Render brings the editor in line with view.
func (o *CursorOverlay) Render(view View) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.editor.Content() != view.Code {
		o.editor.ReplaceContent(view.Code)
	}

	userIDs := make([]string, 0, len(view.Cursors))
	for userID := range view.Cursors {
		userIDs = append(userIDs, userID)
	}
	sort.Strings(userIDs)

	decorations := make([]Decoration, 0, len(userIDs))
	for _, userID := range userIDs {
		cursor := view.Cursors[userID]
		decorations = append(decorations, Decoration{
			Position:     cursor.Position,
			ClassName:    cursorClassName(userID),
			HoverMessage: cursor.Username,
			Color:        cursor.Color,
		})
	}
	o.decorationIDs = o.editor.DeltaDecorations(o.decorationIDs, decorations)
}

// Clear removes every decoration the overlay owns.
func (o *CursorOverlay) Clear() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.decorationIDs = o.editor.DeltaDecorations(o.decorationIDs, nil)
}

func cursorClassName(userID string) string {
	return fmt.Sprintf("remote-cursor remote-cursor-%s", userID)
}
