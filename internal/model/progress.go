package model

// TrainProgress records how far a training run has advanced. It round-trips
// through the meta.json file of internally saved checkpoints so interrupted
// runs can resume.
type TrainProgress struct {
	Epoch       int   `json:"epoch"`
	EpochStep   int   `json:"epoch_step"`
	EpochSample int   `json:"epoch_sample"`
	GlobalStep  int64 `json:"global_step"`
}
