package db

import "gorm.io/gorm"

// ForUpdate appends a row-lock clause unless the dialect (sqlite) cannot
// express one; sqlite serializes writers at the database level instead.
func ForUpdate(conn *gorm.DB, query string) string {
	if conn != nil && conn.Dialector.Name() == "sqlite" {
		return query
	}
	return query + " FOR UPDATE"
}
