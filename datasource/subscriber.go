package datasource

// Subscriber observes a DataSource. OnNewResult is called for intermediate
// and final results alike; check IsFinished to tell them apart.
type Subscriber[T comparable] interface {
	OnNewResult(ds *DataSource[T])
	OnFailure(ds *DataSource[T])
	OnCancellation(ds *DataSource[T])
	OnProgressUpdate(ds *DataSource[T])
}

// SubscriberFuncs adapts plain functions to Subscriber. Nil fields are ignored.
type SubscriberFuncs[T comparable] struct {
	NewResult    func(ds *DataSource[T])
	Failure      func(ds *DataSource[T])
	Cancellation func(ds *DataSource[T])
	Progress     func(ds *DataSource[T])
}

func (s SubscriberFuncs[T]) OnNewResult(ds *DataSource[T]) {
	if s.NewResult != nil {
		s.NewResult(ds)
	}
}

func (s SubscriberFuncs[T]) OnFailure(ds *DataSource[T]) {
	if s.Failure != nil {
		s.Failure(ds)
	}
}

func (s SubscriberFuncs[T]) OnCancellation(ds *DataSource[T]) {
	if s.Cancellation != nil {
		s.Cancellation(ds)
	}
}

func (s SubscriberFuncs[T]) OnProgressUpdate(ds *DataSource[T]) {
	if s.Progress != nil {
		s.Progress(ds)
	}
}
