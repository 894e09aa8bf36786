// Package lesion defines the fixed set of skin lesion classes the model
// distinguishes and pairs model scores with their labels.
package lesion

import "fmt"

// Class is a lesion class index as emitted by the classifier. The order of
// the constants matches the order of the model's output vector.
type Class int

const (
	ActinicKeratoses Class = iota
	BasalCellCarcinoma
	BenignKeratosis
	Dermatofibroma
	NormalSkin
	Melanoma
	VascularLesions

	// NumClasses is the length of the model's output vector.
	NumClasses = int(VascularLesions) + 1
)

var labels = [NumClasses]string{
	ActinicKeratoses:   "Actinic keratoses",
	BasalCellCarcinoma: "Basal cell carcinoma",
	BenignKeratosis:    "Benign keratosis-like lesions",
	Dermatofibroma:     "Dermatofibroma",
	NormalSkin:         "Normal Human Skin",
	Melanoma:           "Melanoma",
	VascularLesions:    "Vascular lesions",
}

// Valid reports whether c is one of the known classes.
func (c Class) Valid() bool {
	return c >= 0 && int(c) < NumClasses
}

// Label returns the human readable name of the class.
func (c Class) Label() string {
	if !c.Valid() {
		return fmt.Sprintf("Class(%d)", int(c))
	}
	return labels[c]
}

func (c Class) String() string {
	return c.Label()
}

// All returns every class in index order.
func All() []Class {
	classes := make([]Class, NumClasses)
	for i := range classes {
		classes[i] = Class(i)
	}
	return classes
}
