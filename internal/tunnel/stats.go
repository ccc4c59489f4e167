package tunnel

import (
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/matst80/linkmux/internal/session"
)

func targetString(ip [4]byte, port uint16) string {
	return net.JoinHostPort(net.IP(ip[:]).String(), strconv.Itoa(int(port)))
}

// counters are the side-local totals behind the state endpoint and
// dashboard.
type counters struct {
	sessions    atomic.Int64
	framesSent  atomic.Int64
	framesRecv  atomic.Int64
	disconnects atomic.Int64
}

// Stats is the point-in-time snapshot served on /api/state.
type Stats struct {
	Side           string `json:"side"`
	Sessions       int    `json:"sessions"`
	TotalSessions  int64  `json:"total_sessions"`
	FramesSent     int64  `json:"frames_sent"`
	FramesReceived int64  `json:"frames_received"`
	Disconnects    int64  `json:"disconnects"`
	Now            string `json:"now"`
}

func collectStats(side string, tbl *session.Table, c *counters) Stats {
	return Stats{
		Side:           side,
		Sessions:       tbl.Len(),
		TotalSessions:  c.sessions.Load(),
		FramesSent:     c.framesSent.Load(),
		FramesReceived: c.framesRecv.Load(),
		Disconnects:    c.disconnects.Load(),
		Now:            time.Now().UTC().Format(time.RFC3339),
	}
}

// LiveSession is one dashboard row.
type LiveSession struct {
	ID        string
	LocalPort uint16
	Target    string
	State     string
	Opened    string
}

func liveSessions(tbl *session.Table) []LiveSession {
	snap := tbl.Snapshot()
	out := make([]LiveSession, 0, len(snap))
	for _, s := range snap {
		out = append(out, LiveSession{
			ID:        s.ID.String(),
			LocalPort: s.LocalPort,
			Target:    targetString(s.TargetIP, s.TargetPort),
			State:     s.State().String(),
			Opened:    s.Opened.UTC().Format(time.RFC3339),
		})
	}
	return out
}

// ToTemplateMap returns the map html/template expects for the dashboard.
func (st Stats) ToTemplateMap(live []LiveSession) map[string]any {
	return map[string]any{
		"Side":           st.Side,
		"Sessions":       st.Sessions,
		"Total":          st.TotalSessions,
		"FramesSent":     st.FramesSent,
		"FramesReceived": st.FramesReceived,
		"Disconnects":    st.Disconnects,
		"Live":           live,
	}
}
