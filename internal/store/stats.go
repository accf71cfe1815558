package store

// Stats is the aggregate snapshot backing the dashboard stats endpoint
// (spec.md §4.L).
type Stats struct {
	SessionsByStatus map[string]int
	MessagesTotal    int
	MessagesLast24h  int
	ActiveHosts      []string
}

// Stats computes the aggregate counts used by the dashboard's overview
// panel in a handful of single-purpose queries rather than one large
// join, matching the read pattern of the rest of this package.
func (s *Store) Stats() (Stats, error) {
	var out Stats
	out.SessionsByStatus = make(map[string]int)

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM sessions GROUP BY status`)
	if err != nil {
		return out, err
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return out, err
		}
		out.SessionsByStatus[status] = n
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return out, err
	}
	rows.Close()

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&out.MessagesTotal); err != nil {
		return out, err
	}
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM messages WHERE timestamp >= strftime('%Y-%m-%dT%H:%M:%SZ', 'now', '-24 hours')`,
	).Scan(&out.MessagesLast24h); err != nil {
		return out, err
	}

	hostRows, err := s.db.Query(
		`SELECT DISTINCT host FROM sessions WHERE status = 'active' AND host IS NOT NULL ORDER BY host`,
	)
	if err != nil {
		return out, err
	}
	defer hostRows.Close()
	for hostRows.Next() {
		var h string
		if err := hostRows.Scan(&h); err != nil {
			return out, err
		}
		out.ActiveHosts = append(out.ActiveHosts, h)
	}
	return out, hostRows.Err()
}
