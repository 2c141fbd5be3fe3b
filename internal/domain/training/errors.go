package training

import "errors"

var (
	ErrDiverged       = errors.New("training diverged: non-finite loss")
	ErrNoTrainingData = errors.New("no training examples")
	ErrInvalidConfig  = errors.New("invalid training configuration")
)
