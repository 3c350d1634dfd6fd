package api

import (
	"net/http"
	"s5proxy/s5/common/ttime"
	"s5proxy/s5/core/auth"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
)

/* ---------- DTO ---------- */
type userDTO struct {
	Id        int64             `json:"id,omitempty"`
	Username  string            `json:"username"`
	Status    string            `json:"status,omitempty"`
	Up        int64             `json:"up"`   // 存储里的累计 + 本进程尚未落库的部分
	Down      int64             `json:"down"` // 同上
	LiveUp    int64             `json:"live_up"`
	LiveDown  int64             `json:"live_down"`
	UpLimit   int64             `json:"up_limit"`
	DownLimit int64             `json:"down_limit"`
	MaxIps    int               `json:"max_ips"`
	LastLogin *ttime.TimeFormat `json:"last_login"`
	IPs       map[string]int    `json:"ips"`
	Stored    bool              `json:"stored"`
}

/* ---------- 接口 ---------- */

// GET /api/users?username=&page=&size=
// 存储里的用户与本进程登录过的用户合并展示
func (s *Server) listUsers(c *gin.Context) {
	page, size := getPage(c)
	filter := strings.ToLower(strings.TrimSpace(c.Query("username")))

	byName := map[string]*userDTO{}
	if st := s.App.Store; st != nil {
		rows, err := st.List(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		for _, r := range rows {
			byName[r.Username] = &userDTO{
				Id:        r.Id,
				Username:  r.Username,
				Status:    r.Status,
				Up:        r.Up,
				Down:      r.Down,
				UpLimit:   r.UpLimit,
				DownLimit: r.DownLimit,
				MaxIps:    r.MaxIps,
				LastLogin: r.LastLogin,
				Stored:    true,
			}
		}
	}
	for _, live := range s.App.Users.List() {
		mergeLive(byName, live, s.App.Store == nil)
	}

	list := make([]userDTO, 0, len(byName))
	for name, u := range byName {
		if filter != "" && !strings.Contains(strings.ToLower(name), filter) {
			continue
		}
		if u.IPs == nil {
			u.IPs = map[string]int{}
		}
		list = append(list, *u)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Username < list[j].Username })

	total := len(list)
	from := (page - 1) * size
	if from > total {
		from = total
	}
	to := from + size
	if to > total {
		to = total
	}
	c.JSON(http.StatusOK, gin.H{
		"list":  list[from:to],
		"total": total,
		"page":  page,
		"size":  size,
	})
}

// mergeLive 没有存储时累计只来自本进程
func mergeLive(byName map[string]*userDTO, live auth.UserInfo, memoryOnly bool) {
	u := byName[live.Name]
	if u == nil {
		u = &userDTO{Username: live.Name}
		byName[live.Name] = u
	}
	u.LiveUp, u.LiveDown = live.Up, live.Down
	if memoryOnly {
		u.Up, u.Down = live.Up, live.Down
	}
	u.IPs = live.IPs
	if !live.LastLogin.IsZero() {
		u.LastLogin = ttime.Of(live.LastLogin)
	}
}
