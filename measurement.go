package tracemachine

import "time"

// Measurements receives interaction lifecycle notifications.
type Measurements interface {
	StartInteraction(name string, startedAt time.Time)
	EndInteraction(name string, endedAt time.Time)
	EndInteractionWithoutMeasurement(name string)
	RenameInteraction(oldName, newName string)
}

// Delivery receives completed spans and trees.
type Delivery interface {
	DeliverSpan(rec Record)
	DeliverTree(tree *Tree)
}

type noopMeasurements struct{}

func (noopMeasurements) StartInteraction(string, time.Time)      {}
func (noopMeasurements) EndInteraction(string, time.Time)        {}
func (noopMeasurements) EndInteractionWithoutMeasurement(string) {}
func (noopMeasurements) RenameInteraction(string, string)        {}
