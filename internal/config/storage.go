package config

import (
	"net/url"
	"strconv"
)

// DSN returns the DuckDB connection string. An empty path opens an in-memory database.
func (s StorageConfig) DSN() string {
	if s.DuckDBThreads <= 0 {
		return s.DuckDBPath
	}
	params := url.Values{}
	params.Set("threads", strconv.Itoa(s.DuckDBThreads))
	return s.DuckDBPath + "?" + params.Encode()
}
