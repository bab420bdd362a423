package store

import (
	"database/sql"
	"fmt"
)

// nilIfZero returns nil if id is zero, otherwise returns id.
// Used for the nullable remote_post_id column.
func nilIfZero(id int64) interface{} {
	if id == 0 {
		return nil
	}
	return id
}

// scanProductRecords scans all rows into ProductRecord values.
func scanProductRecords(rows *sql.Rows) ([]ProductRecord, error) {
	var records []ProductRecord
	for rows.Next() {
		var r ProductRecord
		var remotePostID sql.NullInt64
		var errorMessage sql.NullString
		err := rows.Scan(&r.ProductID, &r.Status, &remotePostID, &errorMessage, &r.CreatedAt, &r.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan product record failed: %w", err)
		}
		r.RemotePostID = remotePostID.Int64
		r.ErrorMessage = errorMessage.String
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate product records failed: %w", err)
	}
	return records, nil
}
