// Package catalog defines the media records the detection pipeline reads:
// consumption history rows imported per user and the catalog of known media
// entries that detection matches against.
package catalog
