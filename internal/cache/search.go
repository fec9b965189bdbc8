package cache

import (
	"strings"

	"github.com/matheus3301/medchat/internal/chat"
)

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message chat.Message `json:"message"`
	Snippet string       `json:"snippet"`
}

// SearchMessages finds cached messages whose content contains query,
// case-insensitively, newest first. conversationID 0 searches everything.
func (db *DB) SearchMessages(query string, conversationID int64, limit int) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	q := `SELECT ` + messageColumns + ` FROM messages WHERE content LIKE ? ESCAPE '\'`
	args := []any{"%" + escapeLike(query) + "%"}
	if conversationID != 0 {
		q += " AND conversation_id = ?"
		args = append(args, conversationID)
	}
	q += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, SearchResult{Message: m, Snippet: snippet(m.Content, query, 32)})
	}
	return results, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// snippet marks the first match with << >> and keeps up to width runes of
// context on each side.
func snippet(content, query string, width int) string {
	lower := []rune(strings.ToLower(content))
	runes := []rune(content)
	q := []rune(strings.ToLower(query))
	at := -1
	for i := 0; i+len(q) <= len(lower); i++ {
		if string(lower[i:i+len(q)]) == string(q) {
			at = i
			break
		}
	}
	if at < 0 || len(lower) != len(runes) {
		return content
	}
	start := max(at-width, 0)
	end := min(at+len(q)+width, len(runes))

	var b strings.Builder
	if start > 0 {
		b.WriteString("...")
	}
	b.WriteString(string(runes[start:at]))
	b.WriteString("<<")
	b.WriteString(string(runes[at : at+len(q)]))
	b.WriteString(">>")
	b.WriteString(string(runes[at+len(q) : end]))
	if end < len(runes) {
		b.WriteString("...")
	}
	return b.String()
}
