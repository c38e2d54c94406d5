package metadata

import (
	"context"
	"database/sql"
	"strings"
	"unicode/utf8"

	"github.com/thatique/gudang/verr"
)

// escapeLike escapes the LIKE wildcards in a literal prefix, using backslash
// as the escape character.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// List returns up to opts.Limit entries with keys under opts.Prefix and
// strictly greater than opts.StartAfter, in ascending key order.
//
// With a delimiter, rows collapse into groups: a key whose tail (after the
// prefix) contains the delimiter joins the group of every key sharing the
// same delimited prefix, and the group's effective key is its greatest
// member so that paginating past the group skips it entirely. The grouping
// runs in SQL so that the limit counts groups, not rows.
func (s *Store) List(ctx context.Context, opts *ListOptions) ([]ListEntry, error) {
	pattern := escapeLike(opts.Prefix) + "%"
	if opts.Delimiter == "" {
		return s.listFlat(ctx, pattern, opts)
	}
	return s.listGrouped(ctx, pattern, opts)
}

func (s *Store) listFlat(ctx context.Context, pattern string, opts *ListOptions) ([]ListEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+objectColumns+`
		   FROM objects
		  WHERE key LIKE ? ESCAPE '\' AND key > ?
		  ORDER BY key
		  LIMIT ?`,
		pattern, opts.StartAfter, opts.Limit)
	if err != nil {
		return nil, verr.Newf(verr.Internal, err, "querying object listing")
	}
	defer rows.Close()

	var entries []ListEntry
	for rows.Next() {
		row, err := scanObject(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, ListEntry{Object: row, EffectiveKey: row.Key})
	}
	if err := rows.Err(); err != nil {
		return nil, verr.Newf(verr.Internal, err, "iterating object listing")
	}
	return entries, nil
}

const (
	groupPrefixDelimited = "dlp:"
	groupPrefixKey       = "key:"
)

func (s *Store) listGrouped(ctx context.Context, pattern string, opts *ListOptions) ([]ListEntry, error) {
	// substr/instr work in characters, matching how keys are stored.
	plen := utf8.RuneCountInString(opts.Prefix)
	dlen := utf8.RuneCountInString(opts.Delimiter)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+objectColumns+`,
		        CASE
		          WHEN instr(substr(key, ?+1), ?) > 0
		          THEN 'dlp:' || substr(key, 1, ? + instr(substr(key, ?+1), ?) + ? - 1)
		          ELSE 'key:' || key
		        END AS grp,
		        max(key) AS effective_key
		   FROM objects
		  WHERE key LIKE ? ESCAPE '\' AND key > ?
		  GROUP BY grp
		  ORDER BY effective_key
		  LIMIT ?`,
		plen, opts.Delimiter, plen, plen, opts.Delimiter, dlen,
		pattern, opts.StartAfter, opts.Limit)
	if err != nil {
		return nil, verr.Newf(verr.Internal, err, "querying grouped object listing")
	}
	defer rows.Close()

	var entries []ListEntry
	for rows.Next() {
		var (
			row                     ObjectRow
			checksums, http, custom string
			blobID                  sql.NullString
			grp, effectiveKey       string
		)
		err := rows.Scan(&row.Key, &row.Version, &row.Size, &row.Etag, &row.Uploaded,
			&checksums, &http, &custom, &blobID, &grp, &effectiveKey)
		if err != nil {
			return nil, verr.Newf(verr.Internal, err, "scanning grouped listing row")
		}
		if strings.HasPrefix(grp, groupPrefixDelimited) {
			entries = append(entries, ListEntry{
				DelimitedPrefix: strings.TrimPrefix(grp, groupPrefixDelimited),
				EffectiveKey:    effectiveKey,
			})
			continue
		}
		if row.Checksums, err = unmarshalMap(checksums); err != nil {
			return nil, err
		}
		if row.HTTPMetadata, err = unmarshalMap(http); err != nil {
			return nil, err
		}
		if row.CustomMetadata, err = unmarshalMap(custom); err != nil {
			return nil, err
		}
		if blobID.Valid {
			row.BlobID = blobID.String
		} else {
			row.Multipart = true
		}
		entries = append(entries, ListEntry{Object: &row, EffectiveKey: effectiveKey})
	}
	if err := rows.Err(); err != nil {
		return nil, verr.Newf(verr.Internal, err, "iterating grouped listing")
	}
	return entries, nil
}
