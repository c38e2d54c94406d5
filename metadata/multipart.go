package metadata

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/thatique/gudang/verr"
)

// CreateMultipartUpload inserts a new upload row in the in-progress state.
func (s *Store) CreateMultipartUpload(ctx context.Context, u *UploadRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO multipart_uploads (upload_id, key, state, http_metadata, custom_metadata)
		 VALUES (?, ?, ?, ?, ?)`,
		u.UploadID, u.Key, int(UploadInProgress),
		marshalMap(u.HTTPMetadata), marshalMap(u.CustomMetadata))
	if err != nil {
		return verr.Newf(verr.Internal, err, "creating multipart upload row")
	}
	return nil
}

func getUpload(ctx context.Context, tx *sql.Tx, uploadID string) (*UploadRow, error) {
	var (
		u            UploadRow
		state        int
		http, custom string
	)
	err := tx.QueryRowContext(ctx,
		`SELECT upload_id, key, state, http_metadata, custom_metadata
		   FROM multipart_uploads WHERE upload_id = ?`, uploadID).
		Scan(&u.UploadID, &u.Key, &state, &http, &custom)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, verr.Newf(verr.Internal, err, "scanning upload row")
	}
	u.State = UploadState(state)
	if u.HTTPMetadata, err = unmarshalMap(http); err != nil {
		return nil, err
	}
	if u.CustomMetadata, err = unmarshalMap(custom); err != nil {
		return nil, err
	}
	return &u, nil
}

// PutPart upserts the part row for (uploadID, partNumber) after asserting
// that the upload exists for key and is still in progress. It returns the
// blob id of the part this write displaced, if any.
func (s *Store) PutPart(ctx context.Context, key string, p *PartRow) (*string, error) {
	var previous *string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		u, err := getUpload(ctx, tx, p.UploadID)
		if err != nil {
			return err
		}
		if u == nil || u.Key != key || u.State != UploadInProgress {
			return verr.Newf(verr.NoSuchUpload, nil, "upload %q is not in progress for key %q", p.UploadID, key)
		}
		var prev string
		err = tx.QueryRowContext(ctx,
			`SELECT blob_id FROM multipart_parts WHERE upload_id = ? AND part_number = ?`,
			p.UploadID, p.PartNumber).Scan(&prev)
		switch {
		case err == nil:
			previous = &prev
		case err != sql.ErrNoRows:
			return verr.Newf(verr.Internal, err, "reading previous part row")
		}
		_, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO multipart_parts
			   (upload_id, part_number, blob_id, size, etag, checksum_md5, object_key)
			 VALUES (?, ?, ?, ?, ?, ?, NULL)`,
			p.UploadID, p.PartNumber, p.BlobID, p.Size, p.Etag, p.ChecksumMD5)
		if err != nil {
			return verr.Newf(verr.Internal, err, "writing part row")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return previous, nil
}

// multipartEtag derives the object etag of a completed upload: the hex MD5
// of the concatenated per-part MD5 bytes, suffixed with the part count.
func multipartEtag(parts []PartRow) (string, error) {
	h := md5.New()
	for _, p := range parts {
		sum, err := hex.DecodeString(p.ChecksumMD5)
		if err != nil {
			return "", verr.Newf(verr.Internal, err, "part %d carries a malformed md5", p.PartNumber)
		}
		h.Write(sum)
	}
	return fmt.Sprintf("%s-%d", hex.EncodeToString(h.Sum(nil)), len(parts)), nil
}

// CompleteMultipartUpload finalises the upload into a new object row at key.
// selected is in caller-supplied order; version and uploaded are assigned to
// the new row. It returns the new row and every blob id displaced by the
// completion: the previous object's blobs and the unselected parts.
func (s *Store) CompleteMultipartUpload(ctx context.Context, key, uploadID string, selected []SelectedPart, minPartSize int64, version string, uploaded int64) (*ObjectRow, []string, error) {
	var (
		row      *ObjectRow
		orphaned []string
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		u, err := getUpload(ctx, tx, uploadID)
		if err != nil {
			return err
		}
		if u == nil || u.Key != key {
			return verr.Newf(verr.Internal, nil, "no upload row for id %q and key %q", uploadID, key)
		}
		if u.State != UploadInProgress {
			return verr.Newf(verr.NoSuchUpload, nil, "upload %q has already been finalised", uploadID)
		}

		seen := make(map[int]bool, len(selected))
		for _, sp := range selected {
			if seen[sp.PartNumber] {
				return verr.Newf(verr.Internal, nil, "part %d selected twice", sp.PartNumber)
			}
			seen[sp.PartNumber] = true
		}

		// Resolve the selected parts in caller-supplied order.
		parts := make([]PartRow, 0, len(selected))
		for _, sp := range selected {
			got, err := selectParts(ctx, tx,
				`SELECT upload_id, part_number, blob_id, size, etag, checksum_md5, object_key
				   FROM multipart_parts WHERE upload_id = ? AND part_number = ?`,
				uploadID, sp.PartNumber)
			if err != nil {
				return err
			}
			if len(got) == 0 || got[0].Etag != sp.Etag {
				return verr.Newf(verr.InvalidPart, nil, "part %d with etag %q was not uploaded", sp.PartNumber, sp.Etag)
			}
			parts = append(parts, got[0])
		}

		// Every part except the last of the argument order meets the
		// minimum size.
		for i, p := range parts {
			if i < len(parts)-1 && p.Size < minPartSize {
				return verr.Newf(verr.EntityTooSmall, nil, "part %d of %d bytes is below the minimum of %d", p.PartNumber, p.Size, minPartSize)
			}
		}

		// In ascending part order, every part except the last has the same
		// size, and the last is no larger.
		sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
		if len(parts) > 1 {
			partSize := parts[0].Size
			for i, p := range parts {
				last := i == len(parts)-1
				if !last && (p.Size != partSize || p.Size < minPartSize) {
					return verr.Newf(verr.BadUpload, nil, "non-last part %d has size %d, want uniform %d", p.PartNumber, p.Size, partSize)
				}
				if last && p.Size > partSize {
					return verr.Newf(verr.BadUpload, nil, "last part %d of %d bytes exceeds the part size %d", p.PartNumber, p.Size, partSize)
				}
			}
		}

		cur, err := getObject(ctx, tx, key)
		if err != nil {
			return err
		}
		if orphaned, err = displaceObject(ctx, tx, cur); err != nil {
			return err
		}

		var size int64
		for _, p := range parts {
			size += p.Size
		}
		etag, err := multipartEtag(parts)
		if err != nil {
			return err
		}
		row = &ObjectRow{
			Key:            key,
			Version:        version,
			Size:           size,
			Etag:           etag,
			Uploaded:       uploaded,
			Checksums:      map[string]string{},
			HTTPMetadata:   u.HTTPMetadata,
			CustomMetadata: u.CustomMetadata,
			Multipart:      true,
		}
		if err := insertObject(ctx, tx, row); err != nil {
			return err
		}

		for _, p := range parts {
			if _, err := tx.ExecContext(ctx,
				`UPDATE multipart_parts SET object_key = ? WHERE upload_id = ? AND part_number = ?`,
				key, uploadID, p.PartNumber); err != nil {
				return verr.Newf(verr.Internal, err, "linking part %d", p.PartNumber)
			}
		}

		// Unselected parts are dropped with the upload.
		leftover, err := selectParts(ctx, tx,
			`SELECT upload_id, part_number, blob_id, size, etag, checksum_md5, object_key
			   FROM multipart_parts WHERE upload_id = ? AND object_key IS NULL`, uploadID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM multipart_parts WHERE upload_id = ? AND object_key IS NULL`, uploadID); err != nil {
			return verr.Newf(verr.Internal, err, "deleting unselected parts")
		}
		for _, p := range leftover {
			orphaned = append(orphaned, p.BlobID)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE multipart_uploads SET state = ? WHERE upload_id = ?`,
			int(UploadCompleted), uploadID); err != nil {
			return verr.Newf(verr.Internal, err, "marking upload completed")
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return row, orphaned, nil
}

// AbortMultipartUpload drops every part of an in-progress upload and marks
// it aborted, returning the dropped blob ids. Aborting an upload that has
// already been completed or aborted is a no-op; the parts a completion
// linked to its object are never touched.
func (s *Store) AbortMultipartUpload(ctx context.Context, key, uploadID string) ([]string, error) {
	var orphaned []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		u, err := getUpload(ctx, tx, uploadID)
		if err != nil {
			return err
		}
		if u == nil || u.Key != key {
			return verr.Newf(verr.Internal, nil, "no upload row for id %q and key %q", uploadID, key)
		}
		if u.State != UploadInProgress {
			return nil
		}
		parts, err := selectParts(ctx, tx,
			`SELECT upload_id, part_number, blob_id, size, etag, checksum_md5, object_key
			   FROM multipart_parts WHERE upload_id = ?`, uploadID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM multipart_parts WHERE upload_id = ?`, uploadID); err != nil {
			return verr.Newf(verr.Internal, err, "deleting aborted parts")
		}
		for _, p := range parts {
			orphaned = append(orphaned, p.BlobID)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE multipart_uploads SET state = ? WHERE upload_id = ?`,
			int(UploadAborted), uploadID)
		if err != nil {
			return verr.Newf(verr.Internal, err, "marking upload aborted")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return orphaned, nil
}
