package broker

import "errors"

// ErrNotConnected возвращается публикацией, которая не ждёт переподключения
var ErrNotConnected = errors.New("broker is not connected")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent помечает ошибку, которая не исчезнет при повторной доставке:
// такое сообщение подтверждается и отбрасывается.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
