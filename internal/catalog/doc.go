// Package catalog holds the in-memory availability index of an archive
// product and resolves (tile, date) pairs to fetch URLs.
//
// # Layout
//
//	tile -> year -> day of year ("001".."366") -> remote filename
//
// # Cadence
//
// Monthly and annual composites are stored under the first day of their
// period. Lookups normalize the requested date first, so any day in March
// resolves to the March composite of a monthly product.
//
// # Usage
//
//	idx := catalog.New("5000", "VNP43MA3", catalog.Daily)
//	idx.Insert("h09v05", 2021, "001", "VNP43MA3.A2021001.h09v05.002.xyz.h5")
//
//	r := catalog.NewResolver(idx, "https://archive.example/allData")
//	url, ok := r.Lookup("h09v05", date, false)
//	targets := r.Range("h09v05", start, end)
package catalog
