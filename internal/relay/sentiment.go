package relay

// Prosody emotions counted towards a positive or negative reading. Anything
// else is neutral.
var (
	positiveEmotions = map[string]bool{
		"Admiration": true, "Amusement": true, "Calmness": true, "Contentment": true,
		"Determination": true, "Excitement": true, "Interest": true, "Joy": true,
		"Love": true, "Relief": true, "Satisfaction": true, "Triumph": true,
	}
	negativeEmotions = map[string]bool{
		"Anger": true, "Annoyance": true, "Anxiety": true, "Boredom": true,
		"Contempt": true, "Disappointment": true, "Disgust": true, "Distress": true,
		"Doubt": true, "Fear": true, "Sadness": true, "Tiredness": true,
	}
)

// Sentiment buckets prosody scores into positive, negative or neutral by
// comparing the summed scores of each group. No scores gives "".
func Sentiment(scores map[string]float64) string {
	if len(scores) == 0 {
		return ""
	}
	var pos, neg float64
	for name, score := range scores {
		switch {
		case positiveEmotions[name]:
			pos += score
		case negativeEmotions[name]:
			neg += score
		}
	}
	const margin = 0.05
	switch {
	case pos > neg+margin:
		return "positive"
	case neg > pos+margin:
		return "negative"
	default:
		return "neutral"
	}
}
