package merge

import "strings"

// RowKind classifies one aligned line pair.
type RowKind string

const (
	RowUnchanged  RowKind = "unchanged"
	RowChanged    RowKind = "changed"
	RowLocalOnly  RowKind = "local_only"
	RowRemoteOnly RowKind = "remote_only"
)

// DiffRow is one line of the side-by-side view. Line numbers are 1-based and
// nil on the side that has no line.
type DiffRow struct {
	Kind             RowKind `json:"kind"`
	LocalLineNumber  *int    `json:"local_line_number,omitempty"`
	RemoteLineNumber *int    `json:"remote_line_number,omitempty"`
	LocalText        *string `json:"local_text,omitempty"`
	RemoteText       *string `json:"remote_text,omitempty"`
}

// DiffRows aligns the two texts by position. Shared positions are unchanged
// or changed; the tail of the longer side is local_only or remote_only.
func DiffRows(localText, remoteText string) []DiffRow {
	localLines := splitLines(localText)
	remoteLines := splitLines(remoteText)
	total := len(localLines)
	if len(remoteLines) > total {
		total = len(remoteLines)
	}

	rows := make([]DiffRow, 0, total)
	for index := 0; index < total; index++ {
		lineNumber := index + 1
		var row DiffRow
		hasLocal := index < len(localLines)
		hasRemote := index < len(remoteLines)
		if hasLocal {
			row.LocalLineNumber = intPointer(lineNumber)
			row.LocalText = stringPointer(localLines[index])
		}
		if hasRemote {
			row.RemoteLineNumber = intPointer(lineNumber)
			row.RemoteText = stringPointer(remoteLines[index])
		}
		switch {
		case hasLocal && hasRemote && localLines[index] == remoteLines[index]:
			row.Kind = RowUnchanged
		case hasLocal && hasRemote:
			row.Kind = RowChanged
		case hasLocal:
			row.Kind = RowLocalOnly
		default:
			row.Kind = RowRemoteOnly
		}
		rows = append(rows, row)
	}
	return rows
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
}

func intPointer(value int) *int {
	return &value
}

func stringPointer(value string) *string {
	return &value
}
