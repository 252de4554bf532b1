package serv

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/linkhub/linkhub/core"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when a looked up row does not exist or is not
// visible to the caller
var ErrNotFound = errors.New("not found")

const (
	topLinksLimit        = 5
	topReferrersLimit    = 5
	linkStatsDays        = 30
	defaultAnalyticsDays = 30
	defaultReferrer      = "direct"
	defaultUserAgent     = "unknown"
	dayFormat            = "YYYY-MM-DD"
)

// Directory is the system of record the HTTP layer and the warmer read from
type Directory interface {
	core.ProfileSource

	// UserStats computes a user's analytics over the last days days
	UserStats(ctx context.Context, userID string, days int) (*core.Stats, error)

	// LinkStats computes analytics for a link owned by userID. It returns
	// ErrNotFound when the link does not exist or belongs to someone else.
	LinkStats(ctx context.Context, userID, linkID string) (*core.LinkStats, error)

	// RecordProfileView stores a profile view event
	RecordProfileView(ctx context.Context, userID, referrer, userAgent string) error

	// RecordLinkClick stores a click event, bumps the link's counter and
	// returns the owner's user id. It returns ErrNotFound for unknown links.
	RecordLinkClick(ctx context.Context, linkID, referrer, userAgent string) (string, error)

	Ping(ctx context.Context) error
	Close()
}

// PGDirectory is a Directory backed by Postgres
type PGDirectory struct {
	pool *pgxpool.Pool
}

// NewPGDirectory opens a connection pool and verifies it
func NewPGDirectory(ctx context.Context, conf Database) (*PGDirectory, error) {
	if conf.ConnString == "" {
		return nil, errors.New("database connection_string is not set")
	}

	pc, err := pgxpool.ParseConfig(conf.ConnString)
	if err != nil {
		return nil, errors.Wrap(err, "parsing database connection string")
	}
	if conf.MaxConns > 0 {
		pc.MaxConns = conf.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, errors.Wrap(err, "creating database pool")
	}

	d := &PGDirectory{pool: pool}
	if err := d.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return d, nil
}

// Ping checks the database connection
func (d *PGDirectory) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return errors.Wrap(d.pool.Ping(ctx), "database ping")
}

// Close closes the pool
func (d *PGDirectory) Close() {
	d.pool.Close()
}

const sqlTopProfiles = `
SELECT u.username, COUNT(pv.id) AS views
FROM "ProfileView" pv
JOIN "User" u ON u.id = pv."userId"
WHERE pv."createdAt" >= $1
GROUP BY u.username
ORDER BY views DESC, u.username ASC
LIMIT $2`

// TopProfiles returns the most viewed usernames since the given time
func (d *PGDirectory) TopProfiles(ctx context.Context, limit int, since time.Time) ([]core.WarmupCandidate, error) {
	rows, err := d.pool.Query(ctx, sqlTopProfiles, since, limit)
	if err != nil {
		return nil, errors.Wrap(err, "querying top profiles")
	}

	res, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (core.WarmupCandidate, error) {
		var c core.WarmupCandidate
		err := row.Scan(&c.Username, &c.Views)
		return c, err
	})
	return res, errors.Wrap(err, "scanning top profiles")
}

const sqlUserByUsername = `
SELECT id, name, username FROM "User" WHERE username = $1`

const sqlProfileByUser = `
SELECT id, COALESCE(title, ''), COALESCE(bio, ''), COALESCE(avatar, ''),
	COALESCE(theme, ''), COALESCE(background, ''),
	"showAvatar", "roundedCorners", "darkMode",
	"createdAt", "updatedAt", "userId"
FROM "Profile"
WHERE "userId" = $1`

const sqlActiveLinks = `
SELECT id, title, url, COALESCE(description, ''), COALESCE(category, ''),
	COALESCE(icon, ''), position
FROM "Link"
WHERE "userId" = $1 AND active = true
ORDER BY position ASC`

// PublicProfile returns the user, their profile and active links in
// position order. It returns nil when the username is unknown.
func (d *PGDirectory) PublicProfile(ctx context.Context, username string) (*core.PublicProfile, error) {
	var p core.PublicProfile

	err := d.pool.QueryRow(ctx, sqlUserByUsername, username).
		Scan(&p.User.ID, &p.User.Name, &p.User.Username)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "querying user %s", username)
	}

	var pr core.Profile
	err = d.pool.QueryRow(ctx, sqlProfileByUser, p.User.ID).Scan(
		&pr.ID, &pr.Title, &pr.Bio, &pr.Avatar, &pr.Theme, &pr.Background,
		&pr.ShowAvatar, &pr.RoundedCorners, &pr.DarkMode,
		&pr.CreatedAt, &pr.UpdatedAt, &pr.UserID)
	switch {
	case err == nil:
		p.Profile = &pr
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, errors.Wrapf(err, "querying profile of %s", username)
	}

	rows, err := d.pool.Query(ctx, sqlActiveLinks, p.User.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "querying links of %s", username)
	}
	p.Links, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (core.Link, error) {
		l := core.Link{Active: true, UserID: p.User.ID}
		err := row.Scan(&l.ID, &l.Title, &l.URL, &l.Description, &l.Category, &l.Icon, &l.Position)
		return l, err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "scanning links of %s", username)
	}
	return &p, nil
}

const sqlViewCount = `
SELECT COUNT(*) FROM "ProfileView" WHERE "userId" = $1 AND "createdAt" >= $2`

const sqlClickSum = `
SELECT COALESCE(SUM(clicks), 0)::bigint FROM "Link" WHERE "userId" = $1`

const sqlActiveLinkCount = `
SELECT COUNT(*) FROM "Link" WHERE "userId" = $1 AND active = true`

const sqlViewsByDay = `
SELECT to_char(DATE("createdAt"), '` + dayFormat + `') AS day, COUNT(*)
FROM "ProfileView"
WHERE "userId" = $1 AND "createdAt" >= $2
GROUP BY day
ORDER BY day ASC`

const sqlClicksByDay = `
SELECT to_char(DATE(lc."createdAt"), '` + dayFormat + `') AS day, COUNT(*)
FROM "LinkClick" lc
JOIN "Link" l ON lc."linkId" = l.id
WHERE l."userId" = $1 AND lc."createdAt" >= $2
GROUP BY day
ORDER BY day ASC`

const sqlTopLinks = `
SELECT id, title, url, clicks
FROM "Link"
WHERE "userId" = $1
ORDER BY clicks DESC
LIMIT $2`

// UserStats computes a user's analytics over the last days days
func (d *PGDirectory) UserStats(ctx context.Context, userID string, days int) (*core.Stats, error) {
	if days <= 0 {
		days = defaultAnalyticsDays
	}
	since := time.Now().AddDate(0, 0, -days)

	var s core.Stats

	if err := d.pool.QueryRow(ctx, sqlViewCount, userID, since).Scan(&s.TotalViews); err != nil {
		return nil, errors.Wrap(err, "counting profile views")
	}
	if err := d.pool.QueryRow(ctx, sqlClickSum, userID).Scan(&s.TotalClicks); err != nil {
		return nil, errors.Wrap(err, "summing link clicks")
	}
	if err := d.pool.QueryRow(ctx, sqlActiveLinkCount, userID).Scan(&s.ActiveLinks); err != nil {
		return nil, errors.Wrap(err, "counting active links")
	}

	var err error
	if s.ViewsByDay, err = d.dayCounts(ctx, sqlViewsByDay, userID, since); err != nil {
		return nil, errors.Wrap(err, "querying views by day")
	}
	if s.ClicksByDay, err = d.dayCounts(ctx, sqlClicksByDay, userID, since); err != nil {
		return nil, errors.Wrap(err, "querying clicks by day")
	}

	rows, err := d.pool.Query(ctx, sqlTopLinks, userID, topLinksLimit)
	if err != nil {
		return nil, errors.Wrap(err, "querying top links")
	}
	s.TopLinks, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (core.LinkSummary, error) {
		var l core.LinkSummary
		err := row.Scan(&l.ID, &l.Title, &l.URL, &l.Clicks)
		return l, err
	})
	if err != nil {
		return nil, errors.Wrap(err, "scanning top links")
	}

	s.CTR = clickThroughRate(s.TotalClicks, s.TotalViews)
	return &s, nil
}

func (d *PGDirectory) dayCounts(ctx context.Context, sql string, args ...any) ([]core.DayCount, error) {
	rows, err := d.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (core.DayCount, error) {
		var dc core.DayCount
		err := row.Scan(&dc.Date, &dc.Count)
		return dc, err
	})
}

const sqlOwnedLink = `
SELECT id, title, url, COALESCE(description, ''), COALESCE(category, ''),
	COALESCE(icon, ''), position, active, clicks, "createdAt", "updatedAt", "userId"
FROM "Link"
WHERE id = $1 AND "userId" = $2`

const sqlLinkClicksByDay = `
SELECT to_char(DATE("createdAt"), '` + dayFormat + `') AS day, COUNT(*)
FROM "LinkClick"
WHERE "linkId" = $1 AND "createdAt" >= $2
GROUP BY day
ORDER BY day ASC`

const sqlLinkReferrers = `
SELECT COALESCE(referrer, '` + defaultReferrer + `') AS label, COUNT(*) AS n
FROM "LinkClick"
WHERE "linkId" = $1
GROUP BY label
ORDER BY n DESC, label ASC
LIMIT $2`

const sqlLinkUserAgents = `
SELECT COALESCE("userAgent", ''), COUNT(*)
FROM "LinkClick"
WHERE "linkId" = $1
GROUP BY 1`

// LinkStats computes analytics for a link owned by userID
func (d *PGDirectory) LinkStats(ctx context.Context, userID, linkID string) (*core.LinkStats, error) {
	var ls core.LinkStats
	l := &ls.Link

	err := d.pool.QueryRow(ctx, sqlOwnedLink, linkID, userID).Scan(
		&l.ID, &l.Title, &l.URL, &l.Description, &l.Category, &l.Icon,
		&l.Position, &l.Active, &l.Clicks, &l.CreatedAt, &l.UpdatedAt, &l.UserID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "querying link %s", linkID)
	}
	ls.TotalClicks = l.Clicks

	since := time.Now().AddDate(0, 0, -linkStatsDays)
	if ls.ClicksByDay, err = d.dayCounts(ctx, sqlLinkClicksByDay, linkID, since); err != nil {
		return nil, errors.Wrap(err, "querying link clicks by day")
	}

	rows, err := d.pool.Query(ctx, sqlLinkReferrers, linkID, topReferrersLimit)
	if err != nil {
		return nil, errors.Wrap(err, "querying link referrers")
	}
	ls.ClicksByReferrer, err = pgx.CollectRows(rows, scanLabelCount)
	if err != nil {
		return nil, errors.Wrap(err, "scanning link referrers")
	}

	rows, err = d.pool.Query(ctx, sqlLinkUserAgents, linkID)
	if err != nil {
		return nil, errors.Wrap(err, "querying link user agents")
	}
	agents, err := pgx.CollectRows(rows, scanLabelCount)
	if err != nil {
		return nil, errors.Wrap(err, "scanning link user agents")
	}
	ls.ClicksByDevice = deviceCounts(agents)

	return &ls, nil
}

func scanLabelCount(row pgx.CollectableRow) (core.LabelCount, error) {
	var lc core.LabelCount
	err := row.Scan(&lc.Label, &lc.Count)
	return lc, err
}

const sqlInsertView = `
INSERT INTO "ProfileView" (id, referrer, "userAgent", "createdAt", "userId")
VALUES (gen_random_uuid(), $1, $2, CURRENT_TIMESTAMP, $3)`

// RecordProfileView stores a profile view event
func (d *PGDirectory) RecordProfileView(ctx context.Context, userID, referrer, userAgent string) error {
	_, err := d.pool.Exec(ctx, sqlInsertView,
		orDefault(referrer, defaultReferrer), orDefault(userAgent, defaultUserAgent), userID)
	return errors.Wrap(err, "recording profile view")
}

const sqlBumpClicks = `
UPDATE "Link" SET clicks = clicks + 1 WHERE id = $1 RETURNING "userId"`

const sqlInsertClick = `
INSERT INTO "LinkClick" (id, referrer, "userAgent", "createdAt", "linkId")
VALUES (gen_random_uuid(), $1, $2, CURRENT_TIMESTAMP, $3)`

// RecordLinkClick stores a click and bumps the link's counter in one
// transaction
func (d *PGDirectory) RecordLinkClick(ctx context.Context, linkID, referrer, userAgent string) (string, error) {
	var owner string

	err := pgx.BeginFunc(ctx, d.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, sqlBumpClicks, linkID).Scan(&owner)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, sqlInsertClick,
			orDefault(referrer, defaultReferrer), orDefault(userAgent, defaultUserAgent), linkID)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", errors.Wrapf(err, "recording click on link %s", linkID)
	}
	return owner, nil
}

// clickThroughRate formats clicks per view as a percentage with one decimal
func clickThroughRate(clicks, views int64) string {
	if views <= 0 {
		return "0.0"
	}
	return fmt.Sprintf("%.1f", float64(clicks)/float64(views)*100)
}

// Device classes reported in link analytics
const (
	deviceMobile  = "mobile"
	deviceTablet  = "tablet"
	deviceDesktop = "desktop"
	deviceUnknown = "unknown"
)

// deviceClass buckets a user agent string
func deviceClass(ua string) string {
	ua = strings.ToLower(ua)

	switch {
	case ua == "" || ua == defaultUserAgent:
		return deviceUnknown
	case strings.Contains(ua, "ipad") || strings.Contains(ua, "tablet"):
		return deviceTablet
	case strings.Contains(ua, "mobile") || strings.Contains(ua, "android") ||
		strings.Contains(ua, "iphone"):
		return deviceMobile
	default:
		return deviceDesktop
	}
}

// deviceCounts folds per user agent counts into device classes, largest
// first
func deviceCounts(agents []core.LabelCount) []core.LabelCount {
	totals := make(map[string]int64)
	var order []string

	for _, a := range agents {
		class := deviceClass(a.Label)
		if _, ok := totals[class]; !ok {
			order = append(order, class)
		}
		totals[class] += a.Count
	}

	res := make([]core.LabelCount, 0, len(order))
	for _, class := range order {
		res = append(res, core.LabelCount{Label: class, Count: totals[class]})
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Count != res[j].Count {
			return res[i].Count > res[j].Count
		}
		return res[i].Label < res[j].Label
	})
	return res
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
