package jobstore

import (
	"fmt"
	"time"
)

// Persistable is an entity the store can round-trip. Kind names the store
// resource (table), Row flattens the entity for writing and Load restores
// it from a read.
type Persistable interface {
	Kind() string
	Row() map[string]any
	Load(row map[string]any) error
}

// ParentJob carries the attributes every processing request shares. Child
// job types embed it by reference: the store keeps parent rows in their
// own resource and children point at them via ParentID.
type ParentJob struct {
	ID                     int64
	UniqueID               string
	Name                   string
	TileID                 string
	Priority               int
	NextLogLevel           string
	LastStatus             Status
	LastStatusChangeDate   time.Time
	LastStatusErrorSubtype string
	ErrorRaised            bool
	NomadID                string
}

func (p *ParentJob) Kind() string { return "parent_jobs" }

func (p *ParentJob) Row() map[string]any {
	return map[string]any{
		"id":                        p.ID,
		"unique_id":                 p.UniqueID,
		"name":                      p.Name,
		"tile_id":                   p.TileID,
		"priority":                  p.Priority,
		"next_log_level":            p.NextLogLevel,
		"last_status_id":            int(p.LastStatus),
		"last_status_change_date":   timeValue(p.LastStatusChangeDate),
		"last_status_error_subtype": p.LastStatusErrorSubtype,
		"error_raised":              p.ErrorRaised,
		"nomad_id":                  p.NomadID,
	}
}

func (p *ParentJob) Load(row map[string]any) error {
	var err error
	p.ID = asInt64(row["id"])
	p.UniqueID = asString(row["unique_id"])
	p.Name = asString(row["name"])
	p.TileID = asString(row["tile_id"])
	p.Priority = int(asInt64(row["priority"]))
	p.NextLogLevel = asString(row["next_log_level"])
	p.LastStatus = Status(asInt64(row["last_status_id"]))
	if p.LastStatusChangeDate, err = asTime(row["last_status_change_date"]); err != nil {
		return fmt.Errorf("parent job %d: %w", p.ID, err)
	}
	p.LastStatusErrorSubtype = asString(row["last_status_error_subtype"])
	p.ErrorRaised = asBool(row["error_raised"])
	p.NomadID = asString(row["nomad_id"])
	return nil
}

// FSCRLIEJob produces FSC and RLIE products from one Sentinel-2 L1C
// acquisition.
type FSCRLIEJob struct {
	ID       int64
	ParentID int64

	L1CID              string
	L1CPath            string
	L1CCloudCover      float64
	L1CSensing         time.Time
	L1CEsaPublication  time.Time
	L1CDiasPublication time.Time
	L2APath            string
	SaveL2A            bool
	ReprocessContext   string
	NSIPID             string
	FSCPath            string
	RLIEPath           string
	MeasurementDate    time.Time
}

func (j *FSCRLIEJob) Kind() string { return "fsc_rlie_jobs" }

func (j *FSCRLIEJob) Row() map[string]any {
	return map[string]any{
		"id":                        j.ID,
		"parent_job_id":             j.ParentID,
		"l1c_id":                    j.L1CID,
		"l1c_path":                  j.L1CPath,
		"l1c_cloud_cover":           j.L1CCloudCover,
		"l1c_sensing_time":          timeValue(j.L1CSensing),
		"l1c_esa_publication_date":  timeValue(j.L1CEsaPublication),
		"l1c_dias_publication_date": timeValue(j.L1CDiasPublication),
		"l2a_path":                  j.L2APath,
		"save_l2a":                  j.SaveL2A,
		"reprocess_context":         j.ReprocessContext,
		"nsip_id":                   j.NSIPID,
		"fsc_path":                  j.FSCPath,
		"rlie_path":                 j.RLIEPath,
		"measurement_date":          timeValue(j.MeasurementDate),
	}
}

func (j *FSCRLIEJob) Load(row map[string]any) error {
	var err error
	j.ID = asInt64(row["id"])
	j.ParentID = asInt64(row["parent_job_id"])
	j.L1CID = asString(row["l1c_id"])
	j.L1CPath = asString(row["l1c_path"])
	j.L1CCloudCover = asFloat(row["l1c_cloud_cover"])
	if j.L1CSensing, err = asTime(row["l1c_sensing_time"]); err != nil {
		return err
	}
	if j.L1CEsaPublication, err = asTime(row["l1c_esa_publication_date"]); err != nil {
		return err
	}
	if j.L1CDiasPublication, err = asTime(row["l1c_dias_publication_date"]); err != nil {
		return err
	}
	j.L2APath = asString(row["l2a_path"])
	j.SaveL2A = asBool(row["save_l2a"])
	j.ReprocessContext = asString(row["reprocess_context"])
	j.NSIPID = asString(row["nsip_id"])
	j.FSCPath = asString(row["fsc_path"])
	j.RLIEPath = asString(row["rlie_path"])
	j.MeasurementDate, err = asTime(row["measurement_date"])
	return err
}

// RLIES1Job produces river and lake ice products from one Sentinel-1 GRD
// acquisition, one product per intersecting S2 tile.
type RLIES1Job struct {
	ID       int64
	ParentID int64

	GRDID           string
	GRDPath         string
	GRDSensing      time.Time
	GRDPublication  time.Time
	TileIDs         string
	ProductPaths    string
	MeasurementDate time.Time
}

func (j *RLIES1Job) Kind() string { return "rlie_s1_jobs" }

func (j *RLIES1Job) Row() map[string]any {
	return map[string]any{
		"id":                   j.ID,
		"parent_job_id":        j.ParentID,
		"grd_id":               j.GRDID,
		"grd_path":             j.GRDPath,
		"grd_sensing_time":     timeValue(j.GRDSensing),
		"grd_publication_date": timeValue(j.GRDPublication),
		"tile_ids":             j.TileIDs,
		"product_paths":        j.ProductPaths,
		"measurement_date":     timeValue(j.MeasurementDate),
	}
}

func (j *RLIES1Job) Load(row map[string]any) error {
	var err error
	j.ID = asInt64(row["id"])
	j.ParentID = asInt64(row["parent_job_id"])
	j.GRDID = asString(row["grd_id"])
	j.GRDPath = asString(row["grd_path"])
	if j.GRDSensing, err = asTime(row["grd_sensing_time"]); err != nil {
		return err
	}
	if j.GRDPublication, err = asTime(row["grd_publication_date"]); err != nil {
		return err
	}
	j.TileIDs = asString(row["tile_ids"])
	j.ProductPaths = asString(row["product_paths"])
	j.MeasurementDate, err = asTime(row["measurement_date"])
	return err
}

// S1S2Job fuses published RLIE S1 and S2 products of one tile and day.
type S1S2Job struct {
	ID       int64
	ParentID int64

	RLIES1ID        string
	RLIES2ID        string
	S1ProductPath   string
	S2ProductPath   string
	FusionPath      string
	MeasurementDate time.Time
}

func (j *S1S2Job) Kind() string { return "s1_s2_jobs" }

func (j *S1S2Job) Row() map[string]any {
	return map[string]any{
		"id":               j.ID,
		"parent_job_id":    j.ParentID,
		"rlie_s1_id":       j.RLIES1ID,
		"rlie_s2_id":       j.RLIES2ID,
		"s1_product_path":  j.S1ProductPath,
		"s2_product_path":  j.S2ProductPath,
		"fusion_path":      j.FusionPath,
		"measurement_date": timeValue(j.MeasurementDate),
	}
}

func (j *S1S2Job) Load(row map[string]any) error {
	var err error
	j.ID = asInt64(row["id"])
	j.ParentID = asInt64(row["parent_job_id"])
	j.RLIES1ID = asString(row["rlie_s1_id"])
	j.RLIES2ID = asString(row["rlie_s2_id"])
	j.S1ProductPath = asString(row["s1_product_path"])
	j.S2ProductPath = asString(row["s2_product_path"])
	j.FusionPath = asString(row["fusion_path"])
	j.MeasurementDate, err = asTime(row["measurement_date"])
	return err
}

// GFSCJob aggregates FSC and SWS products of one tile over a period into a
// gap-filled fractional snow cover product.
type GFSCJob struct {
	ID       int64
	ParentID int64

	PeriodDays      int
	InputIDs        string
	ProductPath     string
	MeasurementDate time.Time
	CurationDate    time.Time
}

func (j *GFSCJob) Kind() string { return "gfsc_jobs" }

func (j *GFSCJob) Row() map[string]any {
	return map[string]any{
		"id":               j.ID,
		"parent_job_id":    j.ParentID,
		"period_days":      j.PeriodDays,
		"input_ids":        j.InputIDs,
		"product_path":     j.ProductPath,
		"measurement_date": timeValue(j.MeasurementDate),
		"curation_date":    timeValue(j.CurationDate),
	}
}

func (j *GFSCJob) Load(row map[string]any) error {
	var err error
	j.ID = asInt64(row["id"])
	j.ParentID = asInt64(row["parent_job_id"])
	j.PeriodDays = int(asInt64(row["period_days"]))
	j.InputIDs = asString(row["input_ids"])
	j.ProductPath = asString(row["product_path"])
	if j.MeasurementDate, err = asTime(row["measurement_date"]); err != nil {
		return err
	}
	j.CurationDate, err = asTime(row["curation_date"])
	return err
}

// SWSWDSJob produces wet snow products from one Sentinel-1 acquisition
// over the S2 grid.
type SWSWDSJob struct {
	ID       int64
	ParentID int64

	GRDID           string
	GRDPath         string
	SWSPath         string
	WDSPath         string
	MeasurementDate time.Time
}

func (j *SWSWDSJob) Kind() string { return "sws_wds_jobs" }

func (j *SWSWDSJob) Row() map[string]any {
	return map[string]any{
		"id":               j.ID,
		"parent_job_id":    j.ParentID,
		"grd_id":           j.GRDID,
		"grd_path":         j.GRDPath,
		"sws_path":         j.SWSPath,
		"wds_path":         j.WDSPath,
		"measurement_date": timeValue(j.MeasurementDate),
	}
}

func (j *SWSWDSJob) Load(row map[string]any) error {
	var err error
	j.ID = asInt64(row["id"])
	j.ParentID = asInt64(row["parent_job_id"])
	j.GRDID = asString(row["grd_id"])
	j.GRDPath = asString(row["grd_path"])
	j.SWSPath = asString(row["sws_path"])
	j.WDSPath = asString(row["wds_path"])
	j.MeasurementDate, err = asTime(row["measurement_date"])
	return err
}

// JobStatusChange is one entry of a job's status history.
type JobStatusChange struct {
	ID           int64
	ParentJobID  int64
	StatusID     Status
	Timestamp    time.Time
	ErrorSubtype string
	ErrorMessage string
}

func (c *JobStatusChange) Kind() string { return "job_status_changes" }

func (c *JobStatusChange) Row() map[string]any {
	return map[string]any{
		"id":            c.ID,
		"parent_job_id": c.ParentJobID,
		"job_status_id": int(c.StatusID),
		"timestamp":     timeValue(c.Timestamp),
		"error_subtype": c.ErrorSubtype,
		"error_message": c.ErrorMessage,
	}
}

func (c *JobStatusChange) Load(row map[string]any) error {
	var err error
	c.ID = asInt64(row["id"])
	c.ParentJobID = asInt64(row["parent_job_id"])
	c.StatusID = Status(asInt64(row["job_status_id"]))
	if c.Timestamp, err = asTime(row["timestamp"]); err != nil {
		return err
	}
	c.ErrorSubtype = asString(row["error_subtype"])
	c.ErrorMessage = asString(row["error_message"])
	return nil
}

// ExecutionInfo records one worker execution of a job.
type ExecutionInfo struct {
	ID          int64
	ParentJobID int64
	WorkerID    string
	StartTime   time.Time
	EndTime     time.Time
	ExitCode    int
}

func (e *ExecutionInfo) Kind() string { return "execution_infos" }

func (e *ExecutionInfo) Row() map[string]any {
	return map[string]any{
		"id":            e.ID,
		"parent_job_id": e.ParentJobID,
		"worker_id":     e.WorkerID,
		"start_time":    timeValue(e.StartTime),
		"end_time":      timeValue(e.EndTime),
		"exit_code":     e.ExitCode,
	}
}

func (e *ExecutionInfo) Load(row map[string]any) error {
	var err error
	e.ID = asInt64(row["id"])
	e.ParentJobID = asInt64(row["parent_job_id"])
	e.WorkerID = asString(row["worker_id"])
	if e.StartTime, err = asTime(row["start_time"]); err != nil {
		return err
	}
	if e.EndTime, err = asTime(row["end_time"]); err != nil {
		return err
	}
	e.ExitCode = int(asInt64(row["exit_code"]))
	return nil
}

// ExecutionMessage is a log line pinned to an execution. Messages carry a
// body hash so repeated bodies de-duplicate in the store.
type ExecutionMessage struct {
	ID          int64
	ExecutionID int64
	Level       string
	Body        string
	BodyHash    string
	Timestamp   time.Time
}

func (m *ExecutionMessage) Kind() string { return "execution_messages" }

func (m *ExecutionMessage) Row() map[string]any {
	return map[string]any{
		"id":           m.ID,
		"execution_id": m.ExecutionID,
		"level":        m.Level,
		"body":         m.Body,
		"body_hash":    m.BodyHash,
		"timestamp":    timeValue(m.Timestamp),
	}
}

func (m *ExecutionMessage) Load(row map[string]any) error {
	var err error
	m.ID = asInt64(row["id"])
	m.ExecutionID = asInt64(row["execution_id"])
	m.Level = asString(row["level"])
	m.Body = asString(row["body"])
	m.BodyHash = asString(row["body_hash"])
	m.Timestamp, err = asTime(row["timestamp"])
	return err
}

// Row value helpers. Store backends deliver JSON-decoded or SQL-scanned
// values, so numbers arrive as float64, int64 or int depending on the
// path.

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case int64:
		return b != 0
	case float64:
		return b != 0
	}
	return false
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	}
	return 0
}

func asTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return t.UTC(), nil
	case string:
		if t == "" {
			return time.Time{}, nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("bad datetime %q: %w", t, err)
		}
		return parsed.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("bad datetime value %v", v)
}

// timeValue renders datetimes as RFC3339 UTC strings; zero times persist
// as nil so the store keeps the column NULL.
func timeValue(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
