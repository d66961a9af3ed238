// Package latestonlychannel pipes a channel through a stage that never
// blocks the sender: when the reader lags, older values are discarded and
// only the most recent one is delivered.
package latestonlychannel

// Wrap returns a channel that yields the latest value sent on inputCh.
// Sends on inputCh never block; a value that was not picked up before a
// newer one arrived is dropped, so the output never sees more values than
// the input carried. Close inputCh to release the pipe; the output channel
// closes in turn, discarding any still-unsent value.
func Wrap[T any](inputCh <-chan T) <-chan T {
	outputCh := make(chan T)

	go func() {
		defer close(outputCh)

		var latest T
		// nil until a value is pending, which disables the send case
		var sendCh chan T

		for {
			select {
			case value, ok := <-inputCh:
				if !ok {
					return
				}
				latest = value
				sendCh = outputCh
			case sendCh <- latest:
				sendCh = nil
			}
		}
	}()

	return outputCh
}
