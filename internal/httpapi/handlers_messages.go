package httpapi

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// minSearchQueryLen is spec.md §4.L's full-text search floor.
const minSearchQueryLen = 2

// toFTSQuery double-quote-wraps a raw search query after doubling any
// internal quotes, so the query is treated as a single FTS5 phrase rather
// than parsed as FTS5 query syntax (spec.md §4.L).
func toFTSQuery(raw string) string {
	escaped := strings.ReplaceAll(raw, `"`, `""`)
	return `"` + escaped + `"`
}

func (s *Server) handleSearchMessages(c *fiber.Ctx) error {
	q := c.Query("q")
	if len([]rune(q)) < minSearchQueryLen {
		return badRequest(c, "INVALID_INPUT", "query must be at least 2 characters")
	}
	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	offset, _ := strconv.Atoi(c.Query("offset", "0"))
	if limit <= 0 {
		limit = 50
	}

	results, err := s.deps.Store.SearchMessages(toFTSQuery(q), limit, offset)
	if err != nil {
		return internalError(c, err)
	}

	out := make([]fiber.Map, 0, len(results))
	for _, r := range results {
		out = append(out, fiber.Map{
			"message": viewMessage(&r.Message),
			"snippet": r.Snippet,
		})
	}
	return c.JSON(fiber.Map{"results": out})
}
