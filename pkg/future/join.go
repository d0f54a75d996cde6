package future

import "fmt"

// JoinError reports the first failing member of a join.
type JoinError struct {
	// Index is the position of the failed future in the joined list.
	Index int
	// Err is that future's failure.
	Err error
}

// Error implements the error interface.
func (e *JoinError) Error() string {
	return fmt.Sprintf("member %d failed: %v", e.Index, e.Err)
}

// Unwrap returns the member's failure.
func (e *JoinError) Unwrap() error {
	return e.Err
}

// JoinOrdered combines futs into one future of all values, index-aligned with
// futs regardless of completion order.
//
// Members are inspected in list order. The joined future fails with a
// *JoinError as soon as the first failure in list order is reached; members
// at lower indices have all succeeded by then. Other members are never
// cancelled and their outcomes are discarded.
func JoinOrdered[T any](futs []*Future[T]) *Future[[]T] {
	out := New[[]T]()
	if len(futs) == 0 {
		out.Resolve([]T{})
		return out
	}

	go func() {
		vals := make([]T, len(futs))
		for i, f := range futs {
			<-f.done
			if f.err != nil {
				out.Fail(&JoinError{Index: i, Err: f.err})
				return
			}
			vals[i] = f.val
		}
		out.Resolve(vals)
	}()
	return out
}
