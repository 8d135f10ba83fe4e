package detection

import "sequelwatch/internal/config"

// ConfigFromSettings maps the [detection] config section onto a Config.
func ConfigFromSettings(s config.Detection) Config {
	return Config{
		SeasonIncrementConfidence: s.SeasonIncrementConfidence,
		ExactTitleNewerConfidence: s.ExactTitleNewerConfidence,
		FuzzyMatchConfidence:      s.FuzzyMatchConfidence,
		FuzzySimilarityThreshold:  s.FuzzySimilarityThreshold,
		MinConfidence:             s.MinConfidence,
		HighConfidence:            s.HighConfidence,
	}
}
