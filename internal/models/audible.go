package models

import "strconv"

// AudibleProduct is one catalog entry from GET /1.0/catalog/products
type AudibleProduct struct {
	ASIN   string         `json:"asin"`
	Title  string         `json:"title"`
	Rating *AudibleRating `json:"rating,omitempty"`
}

// AudibleRating is the rating response group of a catalog product
type AudibleRating struct {
	OverallDistribution struct {
		DisplayAverageRating string `json:"display_average_rating"`
		NumRatings           int    `json:"num_ratings"`
	} `json:"overall_distribution"`
}

// AverageRating parses the display average rating into a 0-5 float.
// Returns 0 and false when the product carries no rating.
func (r *AudibleRating) AverageRating() (float64, bool) {
	if r == nil || r.OverallDistribution.DisplayAverageRating == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(r.OverallDistribution.DisplayAverageRating, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// AudibleProductsResponse is the response of GET /1.0/catalog/products
type AudibleProductsResponse struct {
	Products     []AudibleProduct `json:"products"`
	TotalResults int              `json:"total_results"`
}
