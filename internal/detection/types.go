package detection

import (
	"time"
)

// inferenceRequest is the body POSTed to the classifier service
type inferenceRequest struct {
	Image               string   `json:"image"` // base64 JPEG
	ConfidenceThreshold *float64 `json:"confidence_threshold,omitempty"`
	EnabledClasses      []string `json:"enabled_classes,omitempty"`
}

// BoundingBox is a detected object in pixel coordinates of the frame
type BoundingBox struct {
	X1         float64 `json:"x1"`
	Y1         float64 `json:"y1"`
	X2         float64 `json:"x2"`
	Y2         float64 `json:"y2"`
	Confidence float64 `json:"confidence"`
	ClassID    int     `json:"class_id"`
	ClassName  string  `json:"class_name"`
}

// inferenceResponse is the classifier service reply
type inferenceResponse struct {
	BoundingBoxes   []BoundingBox `json:"bounding_boxes"`
	InferenceTimeMs float64       `json:"inference_time_ms"`
	FrameShape      []int         `json:"frame_shape"` // [height, width]
	DetectionCount  int           `json:"detection_count"`
}

// Box is a rectangle in frame pixels
type Box struct {
	X1, Y1, X2, Y2 float64
}

// Result is one classifier finding, tied to the frame it came from
type Result struct {
	SiteID     string
	FrameSeq   uint64
	Class      string
	Confidence float64
	Box        Box
}

// Event is the set of results of one frame that passed the filter.
// Class and Confidence are taken from the strongest result. Snapshot
// holds the annotated JPEG when the frame was a JPEG.
type Event struct {
	SiteID     string
	At         time.Time
	FrameSeq   uint64
	Class      string
	Confidence float64
	Results    []Result
	Snapshot   []byte
}
