// Package crawler discovers which files the archive publishes for a product
// and records them in a catalog.Index, one entry per tile and day:
//
//	years := lister.Years(as, product)
//	for each year: days := lister.Days(as, product, year)
//	  for each day: for each file in lister.Files(as, product, year, day):
//	    index.Insert(TileOf(file), year, day, file)
//
// A complete crawl is saved as a new snapshot.
package crawler
