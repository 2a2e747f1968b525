// Package sqlstore implements toolprovider.Store on database/sql. It uses
// portable SQL (sqlite and postgres) with $n placeholders; the schema is
// bootstrapped by internal/db.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/mind-engage/lti-tool-provider/pkg/toolprovider"
)

type Store struct{ DB *sql.DB }

func New(db *sql.DB) *Store { return &Store{DB: db} }

var _ toolprovider.Store = (*Store)(nil)

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}

// ===== Consumers =====

func (s *Store) LoadConsumer(ctx context.Context, key string) (toolprovider.Consumer, error) {
	var c toolprovider.Consumer
	var enableFrom, enableUntil, lastAccess, created, updated sql.NullInt64
	err := s.DB.QueryRowContext(ctx, `
		SELECT consumer_key, secret, name, lti_version, consumer_name, consumer_version,
		       consumer_guid, css_path, protected, enabled, enable_from, enable_until,
		       last_access, id_scope, default_email, created_at, updated_at
		FROM lti_consumers WHERE consumer_key=$1`, key).
		Scan(&c.Key, &c.Secret, &c.Name, &c.LTIVersion, &c.ConsumerName, &c.ConsumerVersion,
			&c.ConsumerGUID, &c.CSSPath, &c.Protected, &c.Enabled, &enableFrom, &enableUntil,
			&lastAccess, &c.IDScope, &c.DefaultEmail, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return toolprovider.Consumer{}, toolprovider.ErrNotFound
	}
	if err != nil {
		return toolprovider.Consumer{}, err
	}
	c.EnableFrom = timePtr(enableFrom)
	c.EnableUntil = timePtr(enableUntil)
	c.LastAccess = timePtr(lastAccess)
	c.Created = timePtr(created)
	c.Updated = timePtr(updated)
	return c, nil
}

func (s *Store) SaveConsumer(ctx context.Context, c *toolprovider.Consumer) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO lti_consumers (consumer_key, secret, name, lti_version, consumer_name,
		       consumer_version, consumer_guid, css_path, protected, enabled, enable_from,
		       enable_until, last_access, id_scope, default_email, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (consumer_key) DO UPDATE SET
			secret=EXCLUDED.secret,
			name=EXCLUDED.name,
			lti_version=EXCLUDED.lti_version,
			consumer_name=EXCLUDED.consumer_name,
			consumer_version=EXCLUDED.consumer_version,
			consumer_guid=EXCLUDED.consumer_guid,
			css_path=EXCLUDED.css_path,
			protected=EXCLUDED.protected,
			enabled=EXCLUDED.enabled,
			enable_from=EXCLUDED.enable_from,
			enable_until=EXCLUDED.enable_until,
			last_access=EXCLUDED.last_access,
			id_scope=EXCLUDED.id_scope,
			default_email=EXCLUDED.default_email,
			updated_at=EXCLUDED.updated_at`,
		c.Key, c.Secret, c.Name, c.LTIVersion, c.ConsumerName, c.ConsumerVersion,
		c.ConsumerGUID, c.CSSPath, c.Protected, c.Enabled, nullTime(c.EnableFrom),
		nullTime(c.EnableUntil), nullTime(c.LastAccess), c.IDScope, c.DefaultEmail,
		nullTime(c.Created), nullTime(c.Updated))
	return err
}

func (s *Store) DeleteConsumer(ctx context.Context, key string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM lti_consumers WHERE consumer_key=$1`, key)
	return err
}

func (s *Store) ListConsumers(ctx context.Context) ([]toolprovider.Consumer, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT consumer_key FROM lti_consumers ORDER BY consumer_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []toolprovider.Consumer
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		c, err := s.LoadConsumer(ctx, key)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ===== Resource links =====

func (s *Store) LoadResourceLink(ctx context.Context, consumerKey, id string) (toolprovider.ResourceLink, error) {
	var l toolprovider.ResourceLink
	var settings, groupSets, groups []byte
	var primaryKey, primaryID sql.NullString
	var approved sql.NullBool
	var created, updated sql.NullInt64
	err := s.DB.QueryRowContext(ctx, `
		SELECT consumer_key, link_id, context_id, title, settings_json, group_sets_json,
		       groups_json, primary_consumer_key, primary_link_id, share_approved,
		       created_at, updated_at
		FROM lti_resource_links WHERE consumer_key=$1 AND link_id=$2`, consumerKey, id).
		Scan(&l.ConsumerKey, &l.ID, &l.ContextID, &l.Title, &settings, &groupSets,
			&groups, &primaryKey, &primaryID, &approved, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return toolprovider.ResourceLink{}, toolprovider.ErrNotFound
	}
	if err != nil {
		return toolprovider.ResourceLink{}, err
	}
	_ = json.Unmarshal(settings, &l.Settings)
	_ = json.Unmarshal(groupSets, &l.GroupSets)
	_ = json.Unmarshal(groups, &l.Groups)
	l.PrimaryConsumerKey = primaryKey.String
	l.PrimaryResourceLinkID = primaryID.String
	if approved.Valid {
		v := approved.Bool
		l.ShareApproved = &v
	}
	l.Created = timePtr(created)
	l.Updated = timePtr(updated)
	return l, nil
}

func (s *Store) SaveResourceLink(ctx context.Context, l *toolprovider.ResourceLink) error {
	settings, _ := json.Marshal(l.Settings)
	groupSets, _ := json.Marshal(l.GroupSets)
	groups, _ := json.Marshal(l.Groups)
	var primaryKey, primaryID sql.NullString
	if l.PrimaryConsumerKey != "" {
		primaryKey = sql.NullString{String: l.PrimaryConsumerKey, Valid: true}
		primaryID = sql.NullString{String: l.PrimaryResourceLinkID, Valid: true}
	}
	var approved sql.NullBool
	if l.ShareApproved != nil {
		approved = sql.NullBool{Bool: *l.ShareApproved, Valid: true}
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO lti_resource_links (consumer_key, link_id, context_id, title,
		       settings_json, group_sets_json, groups_json, primary_consumer_key,
		       primary_link_id, share_approved, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (consumer_key, link_id) DO UPDATE SET
			context_id=EXCLUDED.context_id,
			title=EXCLUDED.title,
			settings_json=EXCLUDED.settings_json,
			group_sets_json=EXCLUDED.group_sets_json,
			groups_json=EXCLUDED.groups_json,
			primary_consumer_key=EXCLUDED.primary_consumer_key,
			primary_link_id=EXCLUDED.primary_link_id,
			share_approved=EXCLUDED.share_approved,
			updated_at=EXCLUDED.updated_at`,
		l.ConsumerKey, l.ID, l.ContextID, l.Title, settings, groupSets, groups,
		primaryKey, primaryID, approved, nullTime(l.Created), nullTime(l.Updated))
	return err
}

func (s *Store) DeleteResourceLink(ctx context.Context, consumerKey, id string) error {
	_, err := s.DB.ExecContext(ctx,
		`DELETE FROM lti_resource_links WHERE consumer_key=$1 AND link_id=$2`, consumerKey, id)
	return err
}

func (s *Store) ListShares(ctx context.Context, consumerKey, id string) ([]toolprovider.Share, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT consumer_key, link_id, title, COALESCE(share_approved, FALSE)
		FROM lti_resource_links
		WHERE primary_consumer_key=$1 AND primary_link_id=$2
		ORDER BY consumer_key, link_id`, consumerKey, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []toolprovider.Share
	for rows.Next() {
		var sh toolprovider.Share
		if err := rows.Scan(&sh.ConsumerKey, &sh.ResourceLinkID, &sh.Title, &sh.Approved); err != nil {
			return nil, err
		}
		out = append(out, sh)
	}
	return out, rows.Err()
}

func (s *Store) ListUsersWithResults(ctx context.Context, consumerKey, id string) ([]toolprovider.User, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT consumer_key, link_id, user_id, first_name, last_name, full_name, email,
		       roles_json, groups_json, result_sourcedid, created_at, updated_at
		FROM lti_users
		WHERE consumer_key=$1 AND link_id=$2 AND result_sourcedid <> ''`, consumerKey, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []toolprovider.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ===== Users =====

type rowScanner interface{ Scan(dest ...any) error }

func scanUser(row rowScanner) (toolprovider.User, error) {
	var u toolprovider.User
	var roles, groups []byte
	var created, updated sql.NullInt64
	err := row.Scan(&u.ConsumerKey, &u.ResourceLinkID, &u.ID, &u.FirstName, &u.LastName,
		&u.FullName, &u.Email, &roles, &groups, &u.ResultSourcedID, &created, &updated)
	if err != nil {
		return toolprovider.User{}, err
	}
	_ = json.Unmarshal(roles, &u.Roles)
	_ = json.Unmarshal(groups, &u.Groups)
	u.Created = timePtr(created)
	u.Updated = timePtr(updated)
	return u, nil
}

func (s *Store) LoadUser(ctx context.Context, consumerKey, resourceLinkID, userID string) (toolprovider.User, error) {
	u, err := scanUser(s.DB.QueryRowContext(ctx, `
		SELECT consumer_key, link_id, user_id, first_name, last_name, full_name, email,
		       roles_json, groups_json, result_sourcedid, created_at, updated_at
		FROM lti_users WHERE consumer_key=$1 AND link_id=$2 AND user_id=$3`,
		consumerKey, resourceLinkID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return toolprovider.User{}, toolprovider.ErrNotFound
	}
	return u, err
}

func (s *Store) SaveUser(ctx context.Context, u *toolprovider.User) error {
	roles, _ := json.Marshal(u.Roles)
	groups, _ := json.Marshal(u.Groups)
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO lti_users (consumer_key, link_id, user_id, first_name, last_name,
		       full_name, email, roles_json, groups_json, result_sourcedid, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (consumer_key, link_id, user_id) DO UPDATE SET
			first_name=EXCLUDED.first_name,
			last_name=EXCLUDED.last_name,
			full_name=EXCLUDED.full_name,
			email=EXCLUDED.email,
			roles_json=EXCLUDED.roles_json,
			groups_json=EXCLUDED.groups_json,
			result_sourcedid=EXCLUDED.result_sourcedid,
			updated_at=EXCLUDED.updated_at`,
		u.ConsumerKey, u.ResourceLinkID, u.ID, u.FirstName, u.LastName, u.FullName,
		u.Email, roles, groups, u.ResultSourcedID, nullTime(u.Created), nullTime(u.Updated))
	return err
}

func (s *Store) DeleteUser(ctx context.Context, u *toolprovider.User) error {
	_, err := s.DB.ExecContext(ctx,
		`DELETE FROM lti_users WHERE consumer_key=$1 AND link_id=$2 AND user_id=$3`,
		u.ConsumerKey, u.ResourceLinkID, u.ID)
	return err
}

// ===== Nonces =====

func (s *Store) InsertNonce(ctx context.Context, consumerKey, value string, expires time.Time) (bool, error) {
	// Opportunistic GC; the unique constraint is what enforces replay
	// rejection under concurrency.
	_, _ = s.DB.ExecContext(ctx, `DELETE FROM lti_nonces WHERE expires_at < $1`, time.Now().Unix())
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO lti_nonces (consumer_key, value, expires_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (consumer_key, value) DO NOTHING`,
		consumerKey, value, expires.Unix())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ===== Share keys =====

func (s *Store) LoadShareKey(ctx context.Context, value string) (toolprovider.ShareKey, error) {
	var k toolprovider.ShareKey
	var expires int64
	err := s.DB.QueryRowContext(ctx, `
		SELECT value, primary_consumer_key, primary_link_id, auto_approve, expires_at
		FROM lti_share_keys WHERE value=$1`, value).
		Scan(&k.Value, &k.PrimaryConsumerKey, &k.PrimaryResourceLinkID, &k.AutoApprove, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return toolprovider.ShareKey{}, toolprovider.ErrNotFound
	}
	if err != nil {
		return toolprovider.ShareKey{}, err
	}
	k.Expires = time.Unix(expires, 0)
	return k, nil
}

func (s *Store) SaveShareKey(ctx context.Context, k *toolprovider.ShareKey) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO lti_share_keys (value, primary_consumer_key, primary_link_id, auto_approve, expires_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (value) DO UPDATE SET
			primary_consumer_key=EXCLUDED.primary_consumer_key,
			primary_link_id=EXCLUDED.primary_link_id,
			auto_approve=EXCLUDED.auto_approve,
			expires_at=EXCLUDED.expires_at`,
		k.Value, k.PrimaryConsumerKey, k.PrimaryResourceLinkID, k.AutoApprove, k.Expires.Unix())
	return err
}

func (s *Store) DeleteShareKey(ctx context.Context, value string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM lti_share_keys WHERE value=$1`, value)
	return err
}
