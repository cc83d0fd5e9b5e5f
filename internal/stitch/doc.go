// Package stitch provides the business boundary for Seam's entity stitching
// system. It defines the Stitcher (strategy dispatch, pipeline lifecycle),
// Tracker (per-attempt observability), Store and Merger interfaces
// (persistence and field merge), and domain models.
package stitch
