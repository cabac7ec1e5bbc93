package fallback

import (
	"hash/fnv"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

const maxBody = 8 << 20

type diseaseEntry struct {
	Name      string
	Severity  string
	Treatment string
}

var diseases = []diseaseEntry{
	{"Healthy", "None", "No treatment needed. Keep regular watering and monitoring."},
	{"Tomato Early Blight", "Moderate", "Apply copper-based fungicide and remove affected leaves."},
	{"Tomato Late Blight", "Severe", "Remove infected plants and apply a protective fungicide."},
	{"Powdery Mildew", "Mild", "Improve air circulation and apply sulfur-based fungicide."},
	{"Leaf Spot", "Mild", "Remove spotted leaves and avoid overhead watering."},
	{"Bacterial Wilt", "Severe", "Remove affected plants and rotate crops next season."},
}

var recommendations = []string{
	"Water at the base of plants, not on leaves",
	"Remove and destroy infected plant material",
	"Apply mulch to prevent soil splash",
	"Consider crop rotation next season",
}

// seed hashes the request body; identical input yields identical output.
func seed(c *gin.Context) (uint64, error) {
	h := fnv.New64a()
	if c.Request.Body != nil {
		if _, err := io.Copy(h, io.LimitReader(c.Request.Body, maxBody)); err != nil {
			return 0, err
		}
	}
	return h.Sum64(), nil
}

func handlePredictDisease(c *gin.Context) {
	sum, err := seed(c)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, gin.H{"error": "read body: " + err.Error()})
		return
	}
	d := diseases[sum%uint64(len(diseases))]
	writeJSON(c, http.StatusOK, gin.H{
		"disease":         d.Name,
		"confidence":      60 + int(sum>>8%36),
		"severity":        d.Severity,
		"treatment":       d.Treatment,
		"recommendations": recommendations,
		"synthetic":       true,
		"mode":            "fallback",
	})
}

func handlePredictNutrients(c *gin.Context) {
	sum, err := seed(c)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, gin.H{"error": "read body: " + err.Error()})
		return
	}
	level := func(shift uint) string {
		switch (sum >> shift) % 3 {
		case 0:
			return "low"
		case 1:
			return "optimal"
		default:
			return "high"
		}
	}
	writeJSON(c, http.StatusOK, gin.H{
		"nitrogen":   level(0),
		"phosphorus": level(8),
		"potassium":  level(16),
		"ph":         5.5 + float64(sum>>24%20)/10,
		"synthetic":  true,
		"mode":       "fallback",
	})
}
