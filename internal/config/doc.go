// Package config defines configuration structures for the tilesync CLI.
//
// Configuration can be provided via:
//   - Command-line flags
//   - Environment variables (TILESYNC_ prefix)
//   - YAML configuration file
//
// Flags win over the environment, which wins over the file.
//
// # Example
//
//	base_url: https://ladsweb.modaps.eosdis.nasa.gov/archive/allData/
//	output_dir: /data/viirs
//	snapshot_url: support            # directory, or s3://, gs://, file:// bucket
//	archive_set: "5000"
//	products: [VNP46A3]
//	tiles: [h09v05, h10v05]
//	workers: 3
//	crawl_mode: full                 # or incremental
//	cadence:
//	  VNP46A3: monthly
//	retry:
//	  attempts: 10
//	  backoff: 5s
//	  step: 1s
//	log:
//	  level: info
//	  format: console
//
// The archive token is best supplied as TILESYNC_TOKEN.
package config
